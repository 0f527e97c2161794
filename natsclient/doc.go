// Package natsclient provides a robust NATS client with circuit breaker protection,
// automatic reconnection, and JetStream/KV support for federated deployments.
//
// The natsclient package wraps the standard NATS Go client with additional
// reliability features: a circuit breaker for failure protection, exponential
// backoff on repeated failures, health monitoring, and graceful shutdown with
// connection draining.
//
// # Circuit Breaker
//
// The client tracks connection failures and opens the circuit after a
// configurable threshold (default 5). While the circuit is open, operations
// fail fast with ErrCircuitOpen instead of piling up on a dead broker. The
// breaker backs off exponentially up to a maximum (default 1 minute) before
// testing the connection again, and resets on any successful operation.
//
// # Basic Usage
//
// Connecting with functional options:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("quoalise-agent"),
//	    natsclient.WithMaxReconnects(-1),
//	    natsclient.WithCircuitBreakerThreshold(5),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// # Request/Reply
//
// Command dialogs use core NATS request/reply. SubscribeMsg exposes the raw
// message so a handler can read headers and reply on the message's reply
// subject; Request and RequestMsg send a request and await the reply within
// the context deadline:
//
//	err := client.SubscribeMsg(ctx, "quoalise.agent.sandbox.command",
//	    func(ctx context.Context, msg *nats.Msg) {
//	        resp := handle(ctx, msg.Header, msg.Data)
//	        _ = msg.Respond(resp)
//	    })
//
// # JetStream
//
// Subscription push data flows through JetStream so slow consumers do not
// lose measurements:
//
//	stream, err := client.CreateStream(ctx, jetstream.StreamConfig{
//	    Name:     "QUOALISE_DATA",
//	    Subjects: []string{"quoalise.data.>"},
//	})
//	err = client.PublishToStream(ctx, "quoalise.data."+token, payload)
//	err = client.ConsumeStream(ctx, "QUOALISE_DATA", "quoalise.data."+token, handler)
//
// # Key-Value Store
//
// KVStore wraps a JetStream KV bucket with compare-and-swap retry support,
// used to persist subscription records across agent restarts:
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
//	    Bucket: "quoalise-subscriptions",
//	})
//	store := client.NewKVStore(bucket)
//	err = store.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
//	    return appendSubscriber(current, requester)
//	})
//
// # Testing
//
// TestClient spins up a disposable NATS server in a container for
// integration tests:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
//	defer tc.Close()
//	// tc.Client is a fully configured *Client
package natsclient
