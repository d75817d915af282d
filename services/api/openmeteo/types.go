package openmeteo

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Result is the outcome of one external fetch: either Data or Err is set.
type Result[T any] struct {
	Data *T
	Err  error
}

// OK reports whether the fetch produced a payload.
func (r Result[T]) OK() bool {
	return r.Err == nil && r.Data != nil
}

// ErrorMessage returns the failure text, or "" on success.
func (r Result[T]) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func success[T any](data *T) Result[T] {
	return Result[T]{Data: data}
}

func failure[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// AirQuality is the subset of the air-quality API payload we consume.
type AirQuality struct {
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	Timezone  string           `json:"timezone"`
	Hourly    AirQualityHourly `json:"hourly"`
}

// AirQualityHourly holds the hourly pollutant series.
type AirQualityHourly struct {
	Time []string `json:"time"`
	PM10 Series   `json:"pm10"`
	PM25 Series   `json:"pm2_5"`
	NO2  Series   `json:"nitrogen_dioxide"`
}

// Forecast is the subset of the forecast API payload we consume.
type Forecast struct {
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Timezone  string         `json:"timezone"`
	Hourly    ForecastHourly `json:"hourly"`
}

// ForecastHourly holds the hourly weather series.
type ForecastHourly struct {
	Time            []string `json:"time"`
	Temperature     Series   `json:"temperature_2m"`
	Humidity        Series   `json:"relativehumidity_2m"`
	Precipitation   Series   `json:"precipitation"`
	SurfacePressure Series   `json:"surface_pressure"`
	WindSpeed       Series   `json:"windspeed_10m"`
	WindDirection   Series   `json:"winddirection_10m"`
}

// Series is an hourly numeric series. Decoding never fails on individual
// values: nulls, non-numeric strings and non-finite numbers become nil.
type Series []*float64

// UnmarshalJSON implements json.Unmarshaler.
func (s *Series) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = nil
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	out := make(Series, len(raw))
	for i, v := range raw {
		out[i] = coerce(v)
	}
	*s = out
	return nil
}

// At returns the value at i, or nil when i is out of range.
func (s Series) At(i int) *float64 {
	if i < 0 || i >= len(s) {
		return nil
	}
	return s[i]
}

func coerce(v json.RawMessage) *float64 {
	text := strings.TrimSpace(string(v))
	if text == "" || text == "null" {
		return nil
	}
	if text[0] == '"' {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return nil
		}
		text = strings.TrimSpace(str)
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
