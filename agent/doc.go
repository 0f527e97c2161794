// Package agent assembles the server side of the quoalise protocol.
//
// An Agent owns one federated identity and listens on its command subject,
// quoalise.agent.<id>.command. Each inbound message is one step of a command
// dialog: the agent resolves the session through the session manager,
// dispatches get_history steps to the command executor, and handles the
// subscribe and unsubscribe commands against the subscription registry. The
// reply, when the request carries a reply subject, is a wire.Response
// envelope: a continuation prompt, a completed payload, or an error stanza.
//
// # Trust model
//
// The requesting party's federated address arrives in the Quoalise-Requester
// header, set by the substrate after authentication. The agent never trusts
// an identity claimed inside the request body, and every session is owned by
// the requester that opened it: another requester naming the same session id
// sees item-not-found.
//
// # Push delivery
//
// subscribe registers a requester for push delivery of new records measured
// by one device. The registry persists its working set in a NATS KV bucket
// so a restarting agent resumes delivery, and PublishDataset fans new
// records out to every subscriber's quoalise.data.<token> subject through
// JetStream. A briefly offline subscriber replays missed records from the
// stream.
//
// # Running
//
//	a, err := agent.New(agent.Deps{
//		AgentID:       cfg.Agent.ID,
//		Transport:     natsClient,
//		Executor:      executor,
//		Sessions:      sessions,
//		Subscriptions: registry,
//		Stream:        cfg.NATS.JetStream.Stream,
//		RateRPS:       cfg.RateLimit.RPS,
//		RateBurst:     cfg.RateLimit.Burst,
//	})
//	if err != nil {
//		return err
//	}
//	return a.Run(ctx)
//
// Run blocks until the context is canceled, driving the session eviction
// sweeper and the health refresher alongside the inbound subscription.
package agent
