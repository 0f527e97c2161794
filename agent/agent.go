// Package agent assembles the server side of the protocol: it subscribes to
// the agent's command subject, dispatches inbound command requests to the
// session manager and command executor, and publishes subscription push
// data through JetStream.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/consometers/quoalise/command"
	"github.com/consometers/quoalise/errors"
	"github.com/consometers/quoalise/health"
	"github.com/consometers/quoalise/metric"
	"github.com/consometers/quoalise/pkg/cache"
	"github.com/consometers/quoalise/session"
	"github.com/consometers/quoalise/wire"
)

// maxTrackedRequesters bounds the per-requester limiter table; the least
// recently seen requester is evicted when it fills.
const maxTrackedRequesters = 1024

// Command nodes the agent dispatches on.
const (
	NodeGetHistory  = "get_history"
	NodeSubscribe   = "subscribe"
	NodeUnsubscribe = "unsubscribe"
)

// HeaderRequester is the NATS header carrying the authenticated federated
// address of the requesting party. The substrate sets it; the agent never
// trusts a requester claimed in the request body.
const HeaderRequester = "Quoalise-Requester"

// Subject layout.
const (
	commandSubjectPrefix = "quoalise.agent."
	commandSubjectSuffix = ".command"
	dataSubjectPrefix    = "quoalise.data."
	dataSubjectWildcard  = "quoalise.data.>"
)

// DataSubject returns the JetStream subject push records for token are
// published on.
func DataSubject(token string) string {
	return dataSubjectPrefix + token
}

// CommandSubject returns the request/reply subject agentID listens on.
func CommandSubject(agentID string) string {
	return commandSubjectPrefix + agentID + commandSubjectSuffix
}

// Transport is the messaging collaborator, satisfied by *natsclient.Client.
type Transport interface {
	SubscribeMsg(ctx context.Context, subject string, handler func(context.Context, *nats.Msg)) error
	PublishMsg(ctx context.Context, msg *nats.Msg) error
	PublishToStream(ctx context.Context, subject string, data []byte) error
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	IsHealthy() bool
}

// Deps holds runtime dependencies for the agent
type Deps struct {
	AgentID       string
	Transport     Transport
	Executor      *command.Executor
	Sessions      *session.Manager
	Subscriptions *Registry
	Registry      *metric.MetricsRegistry // optional
	Logger        *slog.Logger            // optional
	Health        *health.Monitor         // optional
	Stream        string                  // JetStream stream for push data, "" disables push
	RateRPS       float64                 // per-requester request rate, 0 disables limiting
	RateBurst     int
}

// Agent is the inbound dispatcher for one agent identity.
type Agent struct {
	id        string
	transport Transport
	executor  *command.Executor
	sessions  *session.Manager
	subs      *Registry
	core      *metric.Metrics
	logger    *slog.Logger
	health    *health.Monitor
	stream    string

	rateRPS   rate.Limit
	rateBurst int
	limiterMu sync.Mutex
	limiters  cache.Cache[*rate.Limiter]
}

// New creates an agent from its dependencies
func New(deps Deps) (*Agent, error) {
	if deps.AgentID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Agent", "New", "empty agent id")
	}
	if deps.Transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Agent", "New", "nil transport")
	}
	if deps.Executor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Agent", "New", "nil executor")
	}
	if deps.Sessions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Agent", "New", "nil session manager")
	}
	if deps.Subscriptions == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Agent", "New", "nil subscription registry")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiters, err := cache.NewLRU[*rate.Limiter](maxTrackedRequesters)
	if err != nil {
		return nil, errors.Wrap(err, "Agent", "New", "creating limiter table")
	}

	a := &Agent{
		id:        deps.AgentID,
		transport: deps.Transport,
		executor:  deps.Executor,
		sessions:  deps.Sessions,
		subs:      deps.Subscriptions,
		logger:    logger,
		health:    deps.Health,
		stream:    deps.Stream,
		rateRPS:   rate.Limit(deps.RateRPS),
		rateBurst: deps.RateBurst,
		limiters:  limiters,
	}
	if deps.Registry != nil {
		a.core = deps.Registry.CoreMetrics()
	}
	return a, nil
}

// Run subscribes to the command subject and drives the background loops
// until ctx is canceled: the session eviction sweeper and the health
// refresher. When push delivery is enabled the JetStream stream is created
// first so publishes cannot race stream provisioning.
func (a *Agent) Run(ctx context.Context) error {
	if a.stream != "" {
		_, err := a.transport.CreateStream(ctx, jetstream.StreamConfig{
			Name:      a.stream,
			Subjects:  []string{dataSubjectWildcard},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil {
			return errors.WrapTransient(err, "Agent", "Run", "creating push stream")
		}
	}

	if err := a.subs.Load(ctx); err != nil {
		return errors.Wrap(err, "Agent", "Run", "loading subscriptions")
	}

	subject := CommandSubject(a.id)
	if err := a.transport.SubscribeMsg(ctx, subject, a.dispatch); err != nil {
		return errors.WrapTransient(err, "Agent", "Run", "subscribing to command subject")
	}
	a.logger.Info("agent listening", "subject", subject)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sessions.Run(gctx)
	})
	g.Go(func() error {
		return a.refreshHealth(gctx)
	})
	return g.Wait()
}

// dispatch hands each inbound message off to its own goroutine. NATS
// delivers all messages of one async subscription sequentially, so handling
// inline would queue every request, including a cancel, behind whatever
// upstream call is currently in flight.
func (a *Agent) dispatch(ctx context.Context, msg *nats.Msg) {
	go a.handle(ctx, msg)
}

// handle processes one inbound command request and publishes the reply, if
// any, on the request's reply subject.
func (a *Agent) handle(ctx context.Context, msg *nats.Msg) {
	start := time.Now()

	requester := msg.Header.Get(HeaderRequester)
	req, err := wire.UnmarshalRequest(msg.Data)
	if err != nil {
		a.reply(ctx, msg, wire.TranslateError("", errors.NewBadRequest("malformed request")))
		a.recordHandled("unknown", "bad_request", start)
		return
	}
	if requester == "" {
		a.reply(ctx, msg, wire.TranslateError(req.ID, errors.NewNotAuthorized("missing requester identity")))
		a.recordHandled(nodeLabel(req), "not_authorized", start)
		return
	}
	if req.Command == nil {
		a.reply(ctx, msg, wire.TranslateError(req.ID, errors.NewBadRequest("request carries no command")))
		a.recordHandled("unknown", "bad_request", start)
		return
	}

	node := req.Command.Node
	if a.core != nil {
		a.core.RecordRequestReceived("agent", node)
	}

	if !a.allow(requester) {
		a.reply(ctx, msg, wire.TranslateError(req.ID,
			errors.WrapTransient(errors.ErrRateLimited, "Agent", "handle", "requester over limit")))
		a.recordHandled(node, "rate_limited", start)
		return
	}

	var status string
	switch node {
	case NodeGetHistory:
		status = a.handleGetHistory(ctx, msg, requester, req)
	case NodeSubscribe:
		status = a.handleSubscription(ctx, msg, requester, req, true)
	case NodeUnsubscribe:
		status = a.handleSubscription(ctx, msg, requester, req, false)
	default:
		a.reply(ctx, msg, wire.TranslateError(req.ID, &errors.ProtocolError{
			Condition: errors.ConditionFeatureNotImplemented,
			Text:      "unknown command node",
		}))
		status = "not_implemented"
	}
	a.recordHandled(node, status, start)
}

// handleGetHistory drives one step of the history dialog. It returns the
// status label recorded for the request.
func (a *Agent) handleGetHistory(ctx context.Context, msg *nats.Msg, requester string, req *wire.Request) string {
	cmd := req.Command

	switch cmd.Action {
	case wire.ActionCancel:
		sess, err := a.executor.Cancel(requester, cmd.SessionID)
		if err != nil {
			a.reply(ctx, msg, wire.TranslateError(req.ID, err))
			return "error"
		}
		a.reply(ctx, msg, &wire.Response{
			Type: wire.TypeResult,
			ID:   req.ID,
			Command: &wire.CommandResult{
				Node:      cmd.Node,
				SessionID: sess.ID,
				Status:    wire.StatusCanceled,
			},
		})
		return "canceled"

	case wire.ActionExecute, "":
		sessionID, err := a.admit(requester, cmd)
		if err != nil {
			a.reply(ctx, msg, wire.TranslateError(req.ID, err))
			return "error"
		}

		out := a.executor.Execute(ctx, requester, sessionID, submittedForm(cmd))
		return a.replyOutcome(ctx, msg, req, cmd.Node, sessionID, out)

	default:
		a.reply(ctx, msg, wire.TranslateError(req.ID, errors.NewBadRequest("unknown action")))
		return "error"
	}
}

// replyOutcome translates an executor outcome into the wire envelope.
func (a *Agent) replyOutcome(ctx context.Context, msg *nats.Msg, req *wire.Request, node, sessionID string, out command.Outcome) string {
	switch out.Kind {
	case command.OutcomeNeedsInput:
		a.reply(ctx, msg, &wire.Response{
			Type: wire.TypeResult,
			ID:   req.ID,
			Command: &wire.CommandResult{
				Node:      node,
				SessionID: sessionID,
				Status:    wire.StatusExecuting,
				Form:      out.Prompt,
			},
		})
		return "prompt"

	case command.OutcomeDataset:
		payload, err := wire.EncodeDataset(out.Dataset)
		if err != nil {
			a.reply(ctx, msg, wire.TranslateError(req.ID, err))
			return "error"
		}
		a.reply(ctx, msg, &wire.Response{
			Type: wire.TypeResult,
			ID:   req.ID,
			Command: &wire.CommandResult{
				Node:      node,
				SessionID: sessionID,
				Status:    wire.StatusCompleted,
				Payload:   payload,
			},
		})
		return "completed"

	case command.OutcomeDiscarded:
		// The session reached a terminal state while the execution was in
		// flight; no envelope may be emitted for it.
		return "discarded"

	default:
		a.reply(ctx, msg, wire.TranslateError(req.ID, out.Err))
		return "error"
	}
}

// handleSubscription runs the single-stage subscribe or unsubscribe dialog.
func (a *Agent) handleSubscription(ctx context.Context, msg *nats.Msg, requester string, req *wire.Request, subscribe bool) string {
	cmd := req.Command

	if cmd.Action == wire.ActionCancel {
		sess, err := a.executor.Cancel(requester, cmd.SessionID)
		if err != nil {
			a.reply(ctx, msg, wire.TranslateError(req.ID, err))
			return "error"
		}
		a.reply(ctx, msg, &wire.Response{
			Type: wire.TypeResult,
			ID:   req.ID,
			Command: &wire.CommandResult{
				Node:      cmd.Node,
				SessionID: sess.ID,
				Status:    wire.StatusCanceled,
			},
		})
		return "canceled"
	}

	sessionID, err := a.admit(requester, cmd)
	if err != nil {
		a.reply(ctx, msg, wire.TranslateError(req.ID, err))
		return "error"
	}

	_, gen, err := a.sessions.Advance(requester, sessionID, session.ActionExecute)
	if err != nil {
		a.reply(ctx, msg, wire.TranslateError(req.ID, sessionError(err)))
		return "error"
	}

	form := submittedForm(cmd)
	if form == nil {
		// First stage: prompt for the device identifier
		if _, applied, ferr := a.sessions.Finish(requester, sessionID, gen, session.AwaitingInput); ferr != nil || !applied {
			return "discarded"
		}
		a.reply(ctx, msg, &wire.Response{
			Type: wire.TypeResult,
			ID:   req.ID,
			Command: &wire.CommandResult{
				Node:      cmd.Node,
				SessionID: sessionID,
				Status:    wire.StatusExecuting,
				Form:      subscriptionPrompt(cmd.Node),
			},
		})
		return "prompt"
	}

	deviceID := form.Value("identifier")
	if deviceID == "" {
		a.finishErrored(requester, sessionID, gen)
		a.reply(ctx, msg, wire.TranslateError(req.ID, errors.NewBadRequest("missing identifier")))
		return "error"
	}

	var resultForm *wire.Form
	if subscribe {
		sub, serr := a.subs.Add(ctx, requester, deviceID)
		if serr != nil {
			a.finishErrored(requester, sessionID, gen)
			a.reply(ctx, msg, wire.TranslateError(req.ID, serr))
			return "error"
		}
		resultForm = &wire.Form{
			Type: wire.FormResult,
			Fields: []wire.Field{
				{Var: "subject", Value: DataSubject(sub.Token)},
			},
		}
	} else {
		if serr := a.subs.Remove(ctx, requester, deviceID); serr != nil {
			a.finishErrored(requester, sessionID, gen)
			a.reply(ctx, msg, wire.TranslateError(req.ID, serr))
			return "error"
		}
	}

	if _, applied, ferr := a.sessions.Finish(requester, sessionID, gen, session.Completed); ferr != nil || !applied {
		return "discarded"
	}
	a.reply(ctx, msg, &wire.Response{
		Type: wire.TypeResult,
		ID:   req.ID,
		Command: &wire.CommandResult{
			Node:      cmd.Node,
			SessionID: sessionID,
			Status:    wire.StatusCompleted,
			Form:      resultForm,
		},
	})
	return "completed"
}

// PublishDataset pushes new records to every subscriber of the dataset's
// device. Delivery is best-effort per subscriber; one failing publish does
// not block the others.
func (a *Agent) PublishDataset(ctx context.Context, d wire.Dataset) error {
	if a.stream == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Agent", "PublishDataset",
			"push delivery disabled")
	}

	body, err := wire.MarshalData(d)
	if err != nil {
		return err
	}

	var firstErr error
	for _, sub := range a.subs.ForDevice(d.DeviceID) {
		subject := DataSubject(sub.Token)
		if perr := a.transport.PublishToStream(ctx, subject, body); perr != nil {
			a.logger.Warn("push publish failed",
				"requester", sub.Requester, "device", sub.DeviceID, "error", perr)
			if firstErr == nil {
				firstErr = errors.WrapTransient(perr, "Agent", "PublishDataset", "publishing push data")
			}
			continue
		}
		if a.core != nil {
			a.core.RecordEnvelopeSent("agent", subject)
		}
	}
	return firstErr
}

// admit resolves the session for a command step, opening a fresh one when
// the request names none.
func (a *Agent) admit(requester string, cmd *wire.CommandRequest) (string, error) {
	if cmd.SessionID != "" {
		return cmd.SessionID, nil
	}
	sess, err := a.sessions.Open(requester, cmd.Node)
	if err != nil {
		return "", sessionError(err)
	}
	return sess.ID, nil
}

func (a *Agent) finishErrored(requester, sessionID string, gen uint64) {
	if _, _, err := a.sessions.Finish(requester, sessionID, gen, session.Errored); err != nil {
		a.logger.Debug("failed to mark session errored",
			"requester", requester, "session_id", sessionID, "error", err)
	}
}

// reply publishes resp on the request's reply subject. Requests with no
// reply subject are dropped silently; the requester asked for fire-and-forget.
func (a *Agent) reply(ctx context.Context, msg *nats.Msg, resp *wire.Response) {
	if msg.Reply == "" {
		return
	}

	data, err := wire.MarshalResponse(resp)
	if err != nil {
		a.logger.Error("failed to marshal response", "error", err)
		return
	}
	if err := a.transport.PublishMsg(ctx, &nats.Msg{Subject: msg.Reply, Data: data}); err != nil {
		a.logger.Warn("failed to publish response", "subject", msg.Reply, "error", err)
		return
	}
	if a.core != nil {
		a.core.RecordEnvelopeSent("agent", msg.Reply)
	}
}

// allow applies the per-requester rate limit.
func (a *Agent) allow(requester string) bool {
	if a.rateRPS <= 0 {
		return true
	}

	a.limiterMu.Lock()
	lim, ok := a.limiters.Get(requester)
	if !ok {
		lim = rate.NewLimiter(a.rateRPS, a.rateBurst)
		if _, err := a.limiters.Set(requester, lim); err != nil {
			a.logger.Debug("failed to track requester limiter", "requester", requester, "error", err)
		}
	}
	a.limiterMu.Unlock()

	return lim.Allow()
}

func (a *Agent) recordHandled(node, status string, start time.Time) {
	if a.core == nil {
		return
	}
	a.core.RecordRequestHandled("agent", node, status)
	a.core.RecordHandlingDuration("agent", node, time.Since(start))
}

// refreshHealth periodically folds subsystem health into the monitor.
func (a *Agent) refreshHealth(ctx context.Context) error {
	if a.health == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.transport.IsHealthy() {
				a.health.UpdateHealthy("nats", "Connected")
			} else {
				a.health.UpdateUnhealthy("nats", "Connection unavailable")
			}
			a.health.UpdateHealthy("sessions", "Session table live")
			if a.core != nil {
				a.core.RecordHealthStatus("agent", a.health.AggregateHealth("quoalise-agent").IsHealthy())
			}
		}
	}
}

// submittedForm returns the submitted form of a command step, or nil when
// the step carries none or carries an unsubmitted prompt echo.
func submittedForm(cmd *wire.CommandRequest) *wire.Form {
	if cmd.Form == nil || cmd.Form.Type != wire.FormSubmit {
		return nil
	}
	return cmd.Form
}

// subscriptionPrompt is the first-stage form for subscribe and unsubscribe.
func subscriptionPrompt(node string) *wire.Form {
	title := "Subscribe"
	if node == NodeUnsubscribe {
		title = "Unsubscribe"
	}
	return &wire.Form{
		Type:  wire.FormPrompt,
		Title: title,
		Fields: []wire.Field{
			{Var: "identifier", Type: "text-single", Label: "Identifier", Required: true},
		},
	}
}

// sessionError maps session manager failures to wire-ready protocol errors.
func sessionError(err error) error {
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

func nodeLabel(req *wire.Request) string {
	if req == nil || req.Command == nil {
		return "unknown"
	}
	return req.Command.Node
}
