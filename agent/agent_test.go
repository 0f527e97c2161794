package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consometers/quoalise/command"
	"github.com/consometers/quoalise/errors"
	"github.com/consometers/quoalise/session"
	"github.com/consometers/quoalise/wire"
)

// mockTransport records published messages in place of a live connection.
type mockTransport struct {
	mu        sync.Mutex
	published []*nats.Msg
	streamed  map[string][][]byte
	streams   []jetstream.StreamConfig
	healthy   bool
	pubErr    error
}

func newMockTransport() *mockTransport {
	return &mockTransport{streamed: make(map[string][][]byte), healthy: true}
}

func (m *mockTransport) SubscribeMsg(_ context.Context, _ string, _ func(context.Context, *nats.Msg)) error {
	return nil
}

func (m *mockTransport) PublishMsg(_ context.Context, msg *nats.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubErr != nil {
		return m.pubErr
	}
	m.published = append(m.published, msg)
	return nil
}

func (m *mockTransport) PublishToStream(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubErr != nil {
		return m.pubErr
	}
	m.streamed[subject] = append(m.streamed[subject], data)
	return nil
}

func (m *mockTransport) CreateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, cfg)
	return nil, nil
}

func (m *mockTransport) IsHealthy() bool { return m.healthy }

func (m *mockTransport) lastPublished(t *testing.T) *wire.Response {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.published, "expected a published response")
	resp, err := wire.UnmarshalResponse(m.published[len(m.published)-1].Data)
	require.NoError(t, err)
	return resp
}

func (m *mockTransport) publishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// blockingSource parks every query until released, signaling entry on
// started.
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	dataset wire.Dataset
}

func (s *blockingSource) GetHistory(ctx context.Context, _ string, _ command.Query) (wire.Dataset, error) {
	s.started <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return s.dataset, nil
}

// fixedSource returns a canned dataset or error.
type fixedSource struct {
	dataset wire.Dataset
	err     error
}

func (s *fixedSource) GetHistory(_ context.Context, _ string, _ command.Query) (wire.Dataset, error) {
	return s.dataset, s.err
}

func newTestAgent(t *testing.T, src command.Source) (*Agent, *mockTransport) {
	t.Helper()

	sessions, err := session.NewManager(session.Deps{})
	require.NoError(t, err)

	executor, err := command.NewExecutor(command.Deps{Source: src, Sessions: sessions})
	require.NoError(t, err)

	transport := newMockTransport()
	a, err := New(Deps{
		AgentID:       "sandbox",
		Transport:     transport,
		Executor:      executor,
		Sessions:      sessions,
		Subscriptions: NewRegistry(RegistryDeps{}),
		Stream:        "QUOALISE_DATA",
	})
	require.NoError(t, err)
	return a, transport
}

func commandMsg(t *testing.T, requester string, cmd *wire.CommandRequest) *nats.Msg {
	t.Helper()

	data, err := wire.MarshalRequest(&wire.Request{ID: "req-1", Command: cmd})
	require.NoError(t, err)

	msg := &nats.Msg{
		Subject: CommandSubject("sandbox"),
		Reply:   "_INBOX.test",
		Data:    data,
		Header:  nats.Header{},
	}
	if requester != "" {
		msg.Header.Set(HeaderRequester, requester)
	}
	return msg
}

func submitForm(device, metric, start, end string) *wire.Form {
	return &wire.Form{
		Type: wire.FormSubmit,
		Fields: []wire.Field{
			{Var: "identifier", Value: device},
			{Var: "metric", Value: metric},
			{Var: "start_time", Value: start},
			{Var: "end_time", Value: end},
		},
	}
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)

	_, err = New(Deps{AgentID: "sandbox"})
	assert.Error(t, err)
}

func TestSubjectLayout(t *testing.T) {
	assert.Equal(t, "quoalise.agent.sandbox.command", CommandSubject("sandbox"))
	assert.Equal(t, "quoalise.data.tok-1", DataSubject("tok-1"))
}

func TestHandleRejectsMissingRequester(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	msg := commandMsg(t, "", &wire.CommandRequest{Node: NodeGetHistory, Action: wire.ActionExecute})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	assert.Equal(t, wire.TypeError, resp.Type)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionNotAuthorized, resp.Error.Condition)
}

func TestHandleRejectsMalformedRequest(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	msg := &nats.Msg{Reply: "_INBOX.test", Data: []byte("<not-xml"), Header: nats.Header{}}
	msg.Header.Set(HeaderRequester, "alice@meters.example")
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionBadRequest, resp.Error.Condition)
}

func TestHandleUnknownNode(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{Node: "reboot", Action: wire.ActionExecute})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionFeatureNotImplemented, resp.Error.Condition)
}

func TestGetHistoryDialog(t *testing.T) {
	dataset := wire.Dataset{
		DeviceID: "meter-42",
		Metric:   "active-energy",
		Records: []wire.Record{
			{Time: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), Value: 100.0, Unit: "Wh"},
			{Time: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), Value: 110.0, Unit: "Wh"},
		},
	}
	a, transport := newTestAgent(t, &fixedSource{dataset: dataset})

	// Stage one: no submitted form yields a prompt and a session id
	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{Node: NodeGetHistory, Action: wire.ActionExecute})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	assert.Equal(t, wire.TypeResult, resp.Type)
	require.NotNil(t, resp.Command)
	assert.Equal(t, wire.StatusExecuting, resp.Command.Status)
	require.NotNil(t, resp.Command.Form)
	assert.Equal(t, wire.FormPrompt, resp.Command.Form.Type)
	require.NotEmpty(t, resp.Command.SessionID)

	// Stage two: submit the query against the same session
	msg = commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:      NodeGetHistory,
		SessionID: resp.Command.SessionID,
		Action:    wire.ActionExecute,
		Form:      submitForm("meter-42", "active-energy", "2024-03-01T00:00:00Z", "2024-03-02T00:00:00Z"),
	})
	a.handle(context.Background(), msg)

	resp = transport.lastPublished(t)
	assert.Equal(t, wire.TypeResult, resp.Type)
	require.NotNil(t, resp.Command)
	assert.Equal(t, wire.StatusCompleted, resp.Command.Status)
	require.NotNil(t, resp.Command.Payload)

	decoded, err := wire.DecodeDataset(resp.Command.Payload)
	require.NoError(t, err)
	require.Len(t, decoded.Records, 2)
	assert.Equal(t, 100.0, decoded.Records[0].Value)
	assert.Equal(t, 110.0, decoded.Records[1].Value)
	assert.True(t, decoded.Records[0].Time.Before(decoded.Records[1].Time))
}

func TestGetHistoryUpstreamErrorOnWire(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{err: &errors.UpstreamError{
		Issuer:  "enedis-data-connect",
		Code:    "ADAM-ERR0123",
		Message: "Start date must be after consent activation",
	}})

	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:   NodeGetHistory,
		Action: wire.ActionExecute,
		Form:   submitForm("meter-42", "active-energy", "2024-03-01T00:00:00Z", "2024-03-02T00:00:00Z"),
	})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	assert.Equal(t, wire.TypeError, resp.Type)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionUndefined, resp.Error.Condition)
	require.NotNil(t, resp.Error.Upstream)
	assert.Equal(t, "enedis-data-connect", resp.Error.Upstream.Issuer)
	assert.Equal(t, "ADAM-ERR0123", resp.Error.Upstream.Code)
}

func TestGetHistoryCancel(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{Node: NodeGetHistory, Action: wire.ActionExecute})
	a.handle(context.Background(), msg)
	sid := transport.lastPublished(t).Command.SessionID

	msg = commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:      NodeGetHistory,
		SessionID: sid,
		Action:    wire.ActionCancel,
	})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Command)
	assert.Equal(t, wire.StatusCanceled, resp.Command.Status)

	// Any further advance on the canceled session fails with bad-request
	msg = commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:      NodeGetHistory,
		SessionID: sid,
		Action:    wire.ActionExecute,
		Form:      submitForm("meter-42", "active-energy", "2024-03-01T00:00:00Z", "2024-03-02T00:00:00Z"),
	})
	a.handle(context.Background(), msg)

	resp = transport.lastPublished(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionBadRequest, resp.Error.Condition)
}

func TestDispatchDoesNotSerializeRequests(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}, 1), release: make(chan struct{})}
	a, transport := newTestAgent(t, src)
	ctx := context.Background()

	// The prompt stage never reaches the upstream source.
	a.handle(ctx, commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:   NodeGetHistory,
		Action: wire.ActionExecute,
	}))
	sid := transport.lastPublished(t).Command.SessionID

	// The submit blocks inside the upstream call; dispatch must hand it off
	// and return so later messages are not queued behind it.
	a.dispatch(ctx, commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:      NodeGetHistory,
		SessionID: sid,
		Action:    wire.ActionExecute,
		Form:      submitForm("meter-42", "active-energy", "2024-03-01T00:00:00Z", "2024-03-02T00:00:00Z"),
	}))
	select {
	case <-src.started:
	case <-time.After(time.Second):
		t.Fatal("upstream call never started")
	}

	// A cancel lands while the execution is still in flight.
	a.handle(ctx, commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:      NodeGetHistory,
		SessionID: sid,
		Action:    wire.ActionCancel,
	}))
	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Command)
	assert.Equal(t, wire.StatusCanceled, resp.Command.Status)

	// The released execution finds a canceled session; its late success is
	// discarded without a reply.
	published := transport.publishedCount()
	close(src.release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, published, transport.publishedCount())
}

func TestGetHistoryUnknownSession(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:      NodeGetHistory,
		SessionID: "never-opened",
		Action:    wire.ActionExecute,
		Form:      submitForm("meter-42", "active-energy", "2024-03-01T00:00:00Z", "2024-03-02T00:00:00Z"),
	})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionItemNotFound, resp.Error.Condition)
}

func TestSessionsAreOwnedByRequester(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{Node: NodeGetHistory, Action: wire.ActionExecute})
	a.handle(context.Background(), msg)
	sid := transport.lastPublished(t).Command.SessionID

	// A different requester naming alice's session sees item-not-found
	msg = commandMsg(t, "mallory@meters.example", &wire.CommandRequest{
		Node:      NodeGetHistory,
		SessionID: sid,
		Action:    wire.ActionExecute,
		Form:      submitForm("meter-42", "active-energy", "2024-03-01T00:00:00Z", "2024-03-02T00:00:00Z"),
	})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionItemNotFound, resp.Error.Condition)
}

func TestSubscribeDialog(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	// Prompt stage
	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{Node: NodeSubscribe, Action: wire.ActionExecute})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Command)
	assert.Equal(t, wire.StatusExecuting, resp.Command.Status)
	sid := resp.Command.SessionID

	// Submit stage
	msg = commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:      NodeSubscribe,
		SessionID: sid,
		Action:    wire.ActionExecute,
		Form: &wire.Form{
			Type:   wire.FormSubmit,
			Fields: []wire.Field{{Var: "identifier", Value: "meter-42"}},
		},
	})
	a.handle(context.Background(), msg)

	resp = transport.lastPublished(t)
	require.NotNil(t, resp.Command)
	assert.Equal(t, wire.StatusCompleted, resp.Command.Status)
	require.NotNil(t, resp.Command.Form)
	subject := resp.Command.Form.Value("subject")
	assert.Contains(t, subject, "quoalise.data.")

	sub, ok := a.subs.Lookup("alice@meters.example", "meter-42")
	require.True(t, ok)
	assert.Equal(t, DataSubject(sub.Token), subject)
}

func TestUnsubscribe(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	_, err := a.subs.Add(context.Background(), "alice@meters.example", "meter-42")
	require.NoError(t, err)

	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:   NodeUnsubscribe,
		Action: wire.ActionExecute,
		Form: &wire.Form{
			Type:   wire.FormSubmit,
			Fields: []wire.Field{{Var: "identifier", Value: "meter-42"}},
		},
	})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Command)
	assert.Equal(t, wire.StatusCompleted, resp.Command.Status)
	assert.Equal(t, 0, a.subs.Count())
}

func TestUnsubscribeUnknownDevice(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{
		Node:   NodeUnsubscribe,
		Action: wire.ActionExecute,
		Form: &wire.Form{
			Type:   wire.FormSubmit,
			Fields: []wire.Field{{Var: "identifier", Value: "meter-42"}},
		},
	})
	a.handle(context.Background(), msg)

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionItemNotFound, resp.Error.Condition)
}

func TestPublishDataset(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	subAlice, err := a.subs.Add(context.Background(), "alice@meters.example", "meter-42")
	require.NoError(t, err)
	subBob, err := a.subs.Add(context.Background(), "bob@meters.example", "meter-42")
	require.NoError(t, err)
	_, err = a.subs.Add(context.Background(), "alice@meters.example", "meter-7")
	require.NoError(t, err)

	dataset := wire.Dataset{
		DeviceID: "meter-42",
		Metric:   "active-energy",
		Records: []wire.Record{
			{Time: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), Value: 100.0, Unit: "Wh"},
		},
	}
	require.NoError(t, a.PublishDataset(context.Background(), dataset))

	require.Len(t, transport.streamed[DataSubject(subAlice.Token)], 1)
	require.Len(t, transport.streamed[DataSubject(subBob.Token)], 1)
	assert.Len(t, transport.streamed, 2)

	decoded, err := wire.UnmarshalData(transport.streamed[DataSubject(subAlice.Token)][0])
	require.NoError(t, err)
	assert.Equal(t, "meter-42", decoded.DeviceID)
	require.Len(t, decoded.Records, 1)
	assert.Equal(t, 100.0, decoded.Records[0].Value)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	sessions, err := session.NewManager(session.Deps{})
	require.NoError(t, err)
	executor, err := command.NewExecutor(command.Deps{Source: &fixedSource{}, Sessions: sessions})
	require.NoError(t, err)

	transport := newMockTransport()
	a, err := New(Deps{
		AgentID:       "sandbox",
		Transport:     transport,
		Executor:      executor,
		Sessions:      sessions,
		Subscriptions: NewRegistry(RegistryDeps{}),
		RateRPS:       1,
		RateBurst:     2,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msg := commandMsg(t, "alice@meters.example", &wire.CommandRequest{Node: NodeGetHistory, Action: wire.ActionExecute})
		a.handle(context.Background(), msg)
	}

	resp := transport.lastPublished(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ConditionServiceUnavailable, resp.Error.Condition)
}

func TestLimiterTableIsBounded(t *testing.T) {
	sessions, err := session.NewManager(session.Deps{})
	require.NoError(t, err)
	executor, err := command.NewExecutor(command.Deps{Source: &fixedSource{}, Sessions: sessions})
	require.NoError(t, err)

	a, err := New(Deps{
		AgentID:       "sandbox",
		Transport:     newMockTransport(),
		Executor:      executor,
		Sessions:      sessions,
		Subscriptions: NewRegistry(RegistryDeps{}),
		RateRPS:       100,
		RateBurst:     100,
	})
	require.NoError(t, err)

	for i := 0; i < maxTrackedRequesters+100; i++ {
		require.True(t, a.allow(fmt.Sprintf("requester-%d@meters.example", i)))
	}
	assert.LessOrEqual(t, a.limiters.Size(), maxTrackedRequesters)
}

func TestNoReplySubjectEmitsNothing(t *testing.T) {
	a, transport := newTestAgent(t, &fixedSource{})

	data, err := wire.MarshalRequest(&wire.Request{ID: "req-1", Command: &wire.CommandRequest{
		Node: NodeGetHistory, Action: wire.ActionExecute,
	}})
	require.NoError(t, err)

	msg := &nats.Msg{Data: data, Header: nats.Header{}}
	msg.Header.Set(HeaderRequester, "alice@meters.example")
	a.handle(context.Background(), msg)

	assert.Equal(t, 0, transport.publishedCount())
}
