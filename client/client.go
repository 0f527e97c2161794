// Package client is the requesting side of the protocol: it submits command
// dialogs to an agent over the messaging substrate and decodes the replies
// back into typed values.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/consometers/quoalise/agent"
	"github.com/consometers/quoalise/command"
	"github.com/consometers/quoalise/errors"
	"github.com/consometers/quoalise/pkg/cache"
	"github.com/consometers/quoalise/pkg/retry"
	"github.com/consometers/quoalise/wire"
)

// Transport is the messaging collaborator, satisfied by *natsclient.Client.
type Transport interface {
	RequestMsg(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
	ConsumeStream(ctx context.Context, streamName, subject string, handler func([]byte)) error
}

// Deps holds runtime dependencies for the client
type Deps struct {
	Transport Transport
	Requester string        // own federated address, carried on every request
	Stream    string        // JetStream stream push data is consumed from
	Logger    *slog.Logger  // optional
	Retry     *retry.Config // optional, overrides the default transient-retry policy
	// Cache memoizes completed history queries. Historical readings are
	// immutable, so a repeated query within the cache TTL is served locally.
	Cache cache.Cache[wire.Dataset] // optional
}

// Client submits command dialogs to agents.
type Client struct {
	transport Transport
	requester string
	stream    string
	logger    *slog.Logger
	retryCfg  retry.Config
	cache     cache.Cache[wire.Dataset]
}

// New creates a client from its dependencies
func New(deps Deps) (*Client, error) {
	if deps.Transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "nil transport")
	}
	if deps.Requester == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "New", "empty requester")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryCfg := retry.Quick()
	if deps.Retry != nil {
		retryCfg = *deps.Retry
	}

	return &Client{
		transport: deps.Transport,
		requester: deps.Requester,
		stream:    deps.Stream,
		logger:    logger,
		retryCfg:  retryCfg,
		cache:     deps.Cache,
	}, nil
}

// GetHistory runs the history dialog against agentID in a single step by
// submitting the query form directly. The returned dataset is validated;
// an error envelope decodes back into the typed error the agent raised,
// upstream issuer and code intact.
func (c *Client) GetHistory(ctx context.Context, agentID string, q command.Query) (wire.Dataset, error) {
	if err := q.Validate(); err != nil {
		return wire.Dataset{}, err
	}

	// Only closed ranges are immutable; a range still reaching into the
	// future will grow and must not be memoized.
	cacheable := c.cache != nil && !q.End.After(time.Now())

	key := queryKey(agentID, q)
	if cacheable {
		if dataset, ok := c.cache.Get(key); ok {
			return dataset, nil
		}
	}

	resp, err := c.send(ctx, agentID, &wire.CommandRequest{
		Node:   agent.NodeGetHistory,
		Action: wire.ActionExecute,
		Form:   queryForm(q),
	})
	if err != nil {
		return wire.Dataset{}, err
	}

	if resp.Command == nil || resp.Command.Status != wire.StatusCompleted {
		return wire.Dataset{}, errors.WrapInvalid(errors.ErrDecodeFailed, "Client", "GetHistory",
			"agent reply is not a completed command")
	}

	dataset, err := wire.DecodeDataset(resp.Command.Payload)
	if err != nil {
		return wire.Dataset{}, err
	}
	if cacheable {
		if _, cerr := c.cache.Set(key, dataset); cerr != nil {
			c.logger.Debug("failed to cache dataset", "key", key, "error", cerr)
		}
	}
	return dataset, nil
}

// Subscribe registers this client for push delivery of deviceID records and
// returns the JetStream subject the records will arrive on.
func (c *Client) Subscribe(ctx context.Context, agentID, deviceID string) (string, error) {
	resp, err := c.send(ctx, agentID, &wire.CommandRequest{
		Node:   agent.NodeSubscribe,
		Action: wire.ActionExecute,
		Form:   identifierForm(deviceID),
	})
	if err != nil {
		return "", err
	}

	if resp.Command == nil || resp.Command.Status != wire.StatusCompleted {
		return "", errors.WrapInvalid(errors.ErrDecodeFailed, "Client", "Subscribe",
			"agent reply is not a completed command")
	}
	subject := resp.Command.Form.Value("subject")
	if subject == "" {
		return "", errors.WrapInvalid(errors.ErrDecodeFailed, "Client", "Subscribe",
			"agent reply carries no push subject")
	}
	return subject, nil
}

// Unsubscribe drops this client's subscription for deviceID.
func (c *Client) Unsubscribe(ctx context.Context, agentID, deviceID string) error {
	resp, err := c.send(ctx, agentID, &wire.CommandRequest{
		Node:   agent.NodeUnsubscribe,
		Action: wire.ActionExecute,
		Form:   identifierForm(deviceID),
	})
	if err != nil {
		return err
	}
	if resp.Command == nil || resp.Command.Status != wire.StatusCompleted {
		return errors.WrapInvalid(errors.ErrDecodeFailed, "Client", "Unsubscribe",
			"agent reply is not a completed command")
	}
	return nil
}

// Listen consumes push data from subject and delivers decoded datasets on
// the returned channel until ctx is canceled. Messages that fail to decode
// are logged and skipped; a malformed push must not kill the consumer.
func (c *Client) Listen(ctx context.Context, subject string) (<-chan wire.Dataset, error) {
	if c.stream == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "Listen",
			"no push stream configured")
	}

	out := make(chan wire.Dataset, 16)
	var mu sync.Mutex
	closed := false

	err := c.transport.ConsumeStream(ctx, c.stream, subject, func(data []byte) {
		dataset, derr := wire.UnmarshalData(data)
		if derr != nil {
			c.logger.Warn("skipping malformed push message", "subject", subject, "error", derr)
			return
		}
		// Sends and the close are serialized through mu so a delivery
		// racing cancellation can never send on the closed channel.
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- dataset:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Listen", "consuming push stream")
	}

	go func() {
		<-ctx.Done()
		mu.Lock()
		closed = true
		mu.Unlock()
		close(out)
	}()
	return out, nil
}

// send performs one request/reply round trip, retrying transient transport
// failures. Protocol and upstream errors raised by the agent are terminal
// and returned as typed values.
func (c *Client) send(ctx context.Context, agentID string, cmd *wire.CommandRequest) (*wire.Response, error) {
	data, err := wire.MarshalRequest(&wire.Request{ID: uuid.NewString(), Command: cmd})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "send", "marshaling request")
	}

	msg := &nats.Msg{
		Subject: agent.CommandSubject(agentID),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(agent.HeaderRequester, c.requester)

	reply, err := retry.DoWithResult(ctx, c.retryCfg, func() (*nats.Msg, error) {
		r, rerr := c.transport.RequestMsg(ctx, msg)
		if rerr != nil && !errors.IsTransient(rerr) {
			return nil, retry.NonRetryable(rerr)
		}
		return r, rerr
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "send", "request round trip")
	}

	resp, err := wire.UnmarshalResponse(reply.Data)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "Client", "send",
			"unmarshaling response")
	}
	if terr := wire.ToError(resp); terr != nil {
		return nil, terr
	}
	return resp, nil
}

func queryForm(q command.Query) *wire.Form {
	fields := []wire.Field{
		{Var: "identifier", Value: q.DeviceID},
		{Var: "metric", Value: q.Metric},
		{Var: "start_time", Value: q.Start.UTC().Format(time.RFC3339)},
		{Var: "end_time", Value: q.End.UTC().Format(time.RFC3339)},
	}
	if q.Resolution > 0 {
		fields = append(fields, wire.Field{Var: "resolution", Value: q.Resolution.String()})
	}
	return &wire.Form{Type: wire.FormSubmit, Fields: fields}
}

// queryKey is the cache key for one history query against one agent.
func queryKey(agentID string, q command.Query) string {
	return agentID + "|" + q.DeviceID + "|" + q.Metric + "|" +
		q.Start.UTC().Format(time.RFC3339) + "|" + q.End.UTC().Format(time.RFC3339) + "|" +
		q.Resolution.String()
}

func identifierForm(deviceID string) *wire.Form {
	return &wire.Form{
		Type:   wire.FormSubmit,
		Fields: []wire.Field{{Var: "identifier", Value: deviceID}},
	}
}
