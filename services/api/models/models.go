package models

import "time"

// Zone is a monitored geographic area. Latitude and Longitude are optional in
// storage but required before a zone can be synced.
type Zone struct {
	ID        int64    `json:"id"`
	Name      string   `json:"nombre"`
	Code      *string  `json:"codigo,omitempty"`
	Latitude  *float64 `json:"latitud"`
	Longitude *float64 `json:"longitud"`
	Active    bool     `json:"activa"`
}

// Readings holds the pollutant and weather values of one hourly observation.
// A nil field means the source had no usable value for that hour.
type Readings struct {
	PM25            *float64 `json:"pm25"`
	PM10            *float64 `json:"pm10"`
	NO2             *float64 `json:"no2"`
	Temperature     *float64 `json:"temperatura"`
	Humidity        *float64 `json:"humedad"`
	Precipitation   *float64 `json:"precipitacion"`
	SurfacePressure *float64 `json:"presion_superficial"`
	WindSpeed       *float64 `json:"velocidad_viento"`
	WindDirection   *float64 `json:"direccion_viento"`
}

// Measurement is a stored hourly observation for a zone.
type Measurement struct {
	ID        int64     `json:"id"`
	ZoneID    int64     `json:"zona_id"`
	Timestamp time.Time `json:"fecha"`
	Readings
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ZoneStatus summarises what is stored for a zone.
type ZoneStatus struct {
	ZoneID   int64      `json:"zona_id"`
	ZoneName string     `json:"nombre"`
	Active   bool       `json:"activa"`
	Count    int64      `json:"total_mediciones"`
	First    *time.Time `json:"primera_fecha,omitempty"`
	Latest   *time.Time `json:"ultima_fecha,omitempty"`
}

// ZoneSnapshot pairs a zone with its most recent stored measurement, if any.
type ZoneSnapshot struct {
	Zone   Zone         `json:"zona"`
	Latest *Measurement `json:"ultima_medicion"`
}
