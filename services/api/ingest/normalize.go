package ingest

import (
	"time"

	"github.com/ecoalerta/monitor-ambiental/services/api/models"
	"github.com/ecoalerta/monitor-ambiental/services/api/openmeteo"
)

// openMeteoLayout is the hourly timestamp format returned when a timezone is
// requested: local wall time without offset.
const openMeteoLayout = "2006-01-02T15:04"

// Record is one normalized hourly observation ready to be written.
type Record struct {
	Timestamp time.Time `json:"fecha"`
	models.Readings
}

// NormalizeResult holds the records produced from one combined payload.
// Skipped lists forecast timestamps that could not be parsed.
type NormalizeResult struct {
	Records []Record `json:"registros"`
	Skipped []string `json:"omitidos,omitempty"`
}

// Normalize joins the forecast and air-quality series on timestamp equality.
// It emits one record per forecast hour, in forecast order. Air-quality hours
// without a forecast counterpart are dropped; forecast hours without an
// air-quality counterpart get nil pollutants.
func Normalize(c openmeteo.Combined, loc *time.Location) NormalizeResult {
	result := NormalizeResult{Records: make([]Record, 0)}
	if c.Forecast.Data == nil {
		return result
	}
	if loc == nil {
		loc = time.UTC
	}

	var aq *openmeteo.AirQualityHourly
	aqIndex := map[time.Time]int{}
	if c.AirQuality.Data != nil {
		aq = &c.AirQuality.Data.Hourly
		for i, raw := range aq.Time {
			ts, ok := parseTimestamp(raw, loc)
			if !ok {
				continue
			}
			if _, seen := aqIndex[ts]; !seen {
				aqIndex[ts] = i
			}
		}
	}

	fc := c.Forecast.Data.Hourly
	for i, raw := range fc.Time {
		ts, ok := parseTimestamp(raw, loc)
		if !ok {
			result.Skipped = append(result.Skipped, raw)
			continue
		}

		rec := Record{
			Timestamp: ts,
			Readings: models.Readings{
				Temperature:     fc.Temperature.At(i),
				Humidity:        fc.Humidity.At(i),
				Precipitation:   fc.Precipitation.At(i),
				SurfacePressure: fc.SurfacePressure.At(i),
				WindSpeed:       fc.WindSpeed.At(i),
				WindDirection:   fc.WindDirection.At(i),
			},
		}
		if j, ok := aqIndex[ts]; ok {
			rec.PM25 = aq.PM25.At(j)
			rec.PM10 = aq.PM10.At(j)
			rec.NO2 = aq.NO2.At(j)
		}
		result.Records = append(result.Records, rec)
	}
	return result
}

// parseTimestamp accepts the offset-less hourly layout (interpreted in loc)
// and RFC3339, and returns the instant in UTC.
func parseTimestamp(raw string, loc *time.Location) (time.Time, bool) {
	if ts, err := time.ParseInLocation(openMeteoLayout, raw, loc); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}
