// Package command provides the command executor driving one dialog step to
// completion, and the query engine interface to the upstream data source.
package command

import (
	"fmt"
	"time"

	"github.com/consometers/quoalise/errors"
	"github.com/consometers/quoalise/wire"
)

// Query is an immutable data request derived from one submitted form.
// The time range is half-open: [Start, End).
type Query struct {
	DeviceID   string
	Metric     string
	Start      time.Time
	End        time.Time
	Resolution time.Duration // advisory sampling granularity, 0 = source default
}

// Validate performs the structural checks that must pass before the
// upstream collaborator is contacted. Violations are protocol errors, not
// application errors: the upstream never sees a structurally invalid query.
func (q Query) Validate() error {
	if q.DeviceID == "" {
		return errors.NewBadRequest("identifier is required")
	}
	if q.Metric == "" {
		return errors.NewBadRequest("metric is required")
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return errors.NewBadRequest("start_time and end_time are required")
	}
	if q.End.Before(q.Start) {
		return errors.NewBadRequest(fmt.Sprintf("start_time %s is after end_time %s",
			q.Start.Format(time.RFC3339), q.End.Format(time.RFC3339)))
	}
	if q.Resolution < 0 {
		return errors.NewBadRequest("resolution must not be negative")
	}
	return nil
}

// ParseQueryForm builds a Query from a submitted form. Field values follow
// the original dialog: identifier, metric, start_time, end_time (RFC 3339)
// and an optional resolution (Go duration string).
func ParseQueryForm(form *wire.Form) (Query, error) {
	if form == nil {
		return Query{}, errors.NewBadRequest("command carries no submitted form")
	}

	q := Query{
		DeviceID: form.Value("identifier"),
		Metric:   form.Value("metric"),
	}

	if v := form.Value("start_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Query{}, errors.NewBadRequest(fmt.Sprintf("unparseable start_time %q", v))
		}
		q.Start = ts
	}
	if v := form.Value("end_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Query{}, errors.NewBadRequest(fmt.Sprintf("unparseable end_time %q", v))
		}
		q.End = ts
	}
	if v := form.Value("resolution"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Query{}, errors.NewBadRequest(fmt.Sprintf("unparseable resolution %q", v))
		}
		q.Resolution = d
	}

	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}
