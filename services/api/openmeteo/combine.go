package openmeteo

import (
	"context"
	"sync"
)

// Combined pairs the two fetch results for one coordinate. Success follows
// the forecast: without it there is no timeline to normalize.
type Combined struct {
	Success    bool
	AirQuality Result[AirQuality]
	Forecast   Result[Forecast]
}

// Combine folds two independent results.
func Combine(aq Result[AirQuality], fc Result[Forecast]) Combined {
	return Combined{
		Success:    fc.OK(),
		AirQuality: aq,
		Forecast:   fc,
	}
}

// FetchCombined runs both fetches concurrently and waits for both. A failure
// on one side does not cancel the other.
func (c *Client) FetchCombined(ctx context.Context, lat, lon float64) Combined {
	var (
		wg sync.WaitGroup
		aq Result[AirQuality]
		fc Result[Forecast]
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		aq = c.FetchAirQuality(ctx, lat, lon)
	}()
	go func() {
		defer wg.Done()
		fc = c.FetchForecast(ctx, lat, lon)
	}()
	wg.Wait()

	return Combine(aq, fc)
}
