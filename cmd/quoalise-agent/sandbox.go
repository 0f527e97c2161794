package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/consometers/quoalise/command"
	"github.com/consometers/quoalise/errors"
	"github.com/consometers/quoalise/pkg/cache"
	"github.com/consometers/quoalise/wire"
)

// sandboxResolution is the sampling step of the synthetic source.
const sandboxResolution = 30 * time.Minute

// Memoized curves expire after an hour; the synthetic data is deterministic
// but regenerating a month of records per request is wasted work.
const (
	sandboxCacheTTL   = time.Hour
	sandboxCacheSweep = 10 * time.Minute
)

// sandboxSource returns a synthetic data source producing a deterministic
// daily load curve, so the agent can run end to end without credentials to
// a real provider. A real deployment swaps this for an upstream connector
// implementing command.Source. Closed ranges are memoized; ranges reaching
// into the future are regenerated on every call.
func sandboxSource(ctx context.Context, issuer string) command.Source {
	if issuer == "" {
		issuer = "sandbox"
	}

	memo, err := cache.NewTTL[wire.Dataset](ctx, sandboxCacheTTL, sandboxCacheSweep)
	if err != nil {
		memo = nil
	}

	return command.SourceFunc(func(_ context.Context, _ string, q command.Query) (wire.Dataset, error) {
		if q.End.Sub(q.Start) > 31*24*time.Hour {
			return wire.Dataset{}, &errors.UpstreamError{
				Issuer:  issuer,
				Code:    "RANGE-TOO-WIDE",
				Message: "Requested range exceeds 31 days",
			}
		}

		key := fmt.Sprintf("%s|%s|%d|%d|%d",
			q.DeviceID, q.Metric, q.Start.Unix(), q.End.Unix(), q.Resolution)
		cacheable := memo != nil && !q.End.After(time.Now())
		if cacheable {
			if dataset, ok := memo.Get(key); ok {
				return dataset, nil
			}
		}

		step := sandboxResolution
		if q.Resolution > step {
			step = q.Resolution
		}

		dataset := wire.Dataset{
			DeviceID: q.DeviceID,
			Metric:   q.Metric,
		}
		for t := q.Start.UTC().Truncate(step); t.Before(q.End); t = t.Add(step) {
			if t.Before(q.Start) {
				continue
			}
			dataset.Records = append(dataset.Records, wire.Record{
				Time:  t,
				Value: syntheticLoad(t),
				Unit:  "Wh",
			})
		}

		if cacheable {
			_, _ = memo.Set(key, dataset)
		}
		return dataset, nil
	})
}

// syntheticLoad models a household-shaped daily curve: low overnight, a
// morning and an evening peak.
func syntheticLoad(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	base := 120.0
	morning := 380.0 * math.Exp(-math.Pow(hour-7.5, 2)/2)
	evening := 520.0 * math.Exp(-math.Pow(hour-19.5, 2)/4.5)
	return math.Round((base+morning+evening)*10) / 10
}
