package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/consometers/quoalise/errors"
	"github.com/consometers/quoalise/metric"
	"github.com/consometers/quoalise/session"
	"github.com/consometers/quoalise/wire"
)

// OutcomeKind discriminates the result of one dialog step.
type OutcomeKind int

// Outcome kinds
const (
	// OutcomeDataset carries the completed query result
	OutcomeDataset OutcomeKind = iota
	// OutcomeError carries a terminal failure to translate onto the wire
	OutcomeError
	// OutcomeNeedsInput carries a continuation prompt
	OutcomeNeedsInput
	// OutcomeDiscarded means the session reached a terminal state while
	// the execution was in flight; no envelope may be emitted for it
	OutcomeDiscarded
)

// Outcome is the result of one command execution.
type Outcome struct {
	Kind    OutcomeKind
	Dataset wire.Dataset
	Err     error
	Prompt  *wire.Form
}

// Deps holds runtime dependencies for the command executor
type Deps struct {
	Source        Source
	Sessions      *session.Manager
	Registry      *metric.MetricsRegistry // optional
	Logger        *slog.Logger            // optional
	QueryTimeout  time.Duration           // optional, bounds the upstream call
	DefaultDevice string                  // optional, pre-filled in the prompt form
}

// Executor drives one command dialog step: it admits the execution with the
// session manager, invokes the query engine, and applies exactly one
// terminal transition per execution.
type Executor struct {
	source        Source
	sessions      *session.Manager
	metrics       *Metrics
	logger        *slog.Logger
	queryTimeout  time.Duration
	defaultDevice string
}

// NewExecutor creates an executor from its dependencies
func NewExecutor(deps Deps) (*Executor, error) {
	if deps.Source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Executor", "NewExecutor",
			"nil source")
	}
	if deps.Sessions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Executor", "NewExecutor",
			"nil session manager")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		source:        deps.Source,
		sessions:      deps.Sessions,
		logger:        logger,
		queryTimeout:  deps.QueryTimeout,
		defaultDevice: deps.DefaultDevice,
	}
	if deps.Registry != nil {
		e.metrics = NewMetrics(deps.Registry)
	}
	return e, nil
}

// Execute drives one dialog step for the session owned by requester. A nil
// form yields a continuation prompt; a submitted form runs the query.
// Structural violations are rejected before the upstream collaborator is
// contacted, and an upstream failure is surfaced verbatim, never swallowed.
func (e *Executor) Execute(ctx context.Context, requester, sessionID string, form *wire.Form) Outcome {
	start := time.Now()

	_, gen, err := e.sessions.Advance(requester, sessionID, session.ActionExecute)
	if err != nil {
		return e.record("rejected", start, Outcome{Kind: OutcomeError, Err: advanceError(err)})
	}

	// First stage of an interactive dialog: no payload yet, prompt for it
	if form == nil {
		prompt := e.promptForm()
		if _, applied, ferr := e.sessions.Finish(requester, sessionID, gen, session.AwaitingInput); ferr != nil || !applied {
			return e.record("discarded", start, Outcome{Kind: OutcomeDiscarded})
		}
		return e.record("prompt", start, Outcome{Kind: OutcomeNeedsInput, Prompt: prompt})
	}

	q, err := ParseQueryForm(form)
	if err != nil {
		// Structural failure: fail the dialog without contacting upstream
		if _, applied, ferr := e.sessions.Finish(requester, sessionID, gen, session.Errored); ferr != nil || !applied {
			return e.record("discarded", start, Outcome{Kind: OutcomeDiscarded})
		}
		return e.record("bad_request", start, Outcome{Kind: OutcomeError, Err: err})
	}

	qctx := ctx
	if e.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, e.queryTimeout)
		defer cancel()
	}

	dataset, err := e.source.GetHistory(qctx, requester, q)
	if err != nil {
		if _, applied, ferr := e.sessions.Finish(requester, sessionID, gen, session.Errored); ferr != nil || !applied {
			e.logger.Debug("discarding late upstream failure",
				"requester", requester, "session_id", sessionID)
			return e.record("discarded", start, Outcome{Kind: OutcomeDiscarded})
		}
		e.logger.Info("upstream query failed",
			"requester", requester, "session_id", sessionID,
			"device", q.DeviceID, "error", err)
		return e.record("upstream_error", start, Outcome{Kind: OutcomeError, Err: err})
	}

	if _, applied, ferr := e.sessions.Finish(requester, sessionID, gen, session.Completed); ferr != nil || !applied {
		// Canceled while the upstream call was in flight: discard the result
		e.logger.Debug("discarding late upstream result",
			"requester", requester, "session_id", sessionID)
		return e.record("discarded", start, Outcome{Kind: OutcomeDiscarded})
	}

	e.logger.Debug("query completed",
		"requester", requester, "session_id", sessionID,
		"device", q.DeviceID, "records", len(dataset.Records))
	return e.record("completed", start, Outcome{Kind: OutcomeDataset, Dataset: dataset})
}

// Cancel cancels the session's dialog. Cancel is best-effort against an
// in-flight query: the session transitions immediately and a result
// arriving later is discarded by Execute.
func (e *Executor) Cancel(requester, sessionID string) (session.Session, error) {
	sess, _, err := e.sessions.Advance(requester, sessionID, session.ActionCancel)
	if err != nil {
		return session.Session{}, advanceError(err)
	}
	if e.metrics != nil {
		e.metrics.executions.WithLabelValues("canceled").Inc()
	}
	return sess, nil
}

// promptForm builds the continuation prompt listing the query fields, with
// the previous UTC day as the default range.
func (e *Executor) promptForm() *wire.Form {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.Add(-24 * time.Hour)

	return &wire.Form{
		Type:  wire.FormPrompt,
		Title: "Get history",
		Fields: []wire.Field{
			{Var: "identifier", Type: "text-single", Label: "Identifier",
				Required: true, Value: e.defaultDevice},
			{Var: "metric", Type: "text-single", Label: "Metric",
				Required: true, Value: "active-energy"},
			{Var: "start_time", Type: "text-single", Label: "Start date",
				Required: true, Value: start.Format(time.RFC3339)},
			{Var: "end_time", Type: "text-single", Label: "End date",
				Required: true, Value: end.Format(time.RFC3339)},
			{Var: "resolution", Type: "text-single", Label: "Resolution"},
		},
	}
}

func (e *Executor) record(result string, start time.Time, out Outcome) Outcome {
	if e.metrics != nil {
		e.metrics.executions.WithLabelValues(result).Inc()
		e.metrics.executionDuration.Observe(time.Since(start).Seconds())
		if ue, ok := errors.AsUpstream(out.Err); ok {
			e.metrics.upstreamErrors.WithLabelValues(ue.Issuer).Inc()
		}
	}
	return out
}

// advanceError maps session manager failures to wire-ready protocol errors.
func advanceError(err error) error {
	switch {
	case errors.Is(err, errors.ErrSessionNotFound), errors.Is(err, errors.ErrSessionExpired):
		return errors.NewItemNotFound("no such session")
	case errors.Is(err, errors.ErrSessionTerminal):
		return errors.NewBadRequest("session already in a terminal state")
	case errors.IsInvalid(err):
		return errors.NewBadRequest(err.Error())
	default:
		return err
	}
}
