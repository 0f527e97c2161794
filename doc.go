// Package quoalise implements a federated access protocol for time-series
// energy and sensor measurements over NATS.
//
// # Overview
//
// Quoalise lets a client retrieve historical measurements from agents it has
// no direct network access to. Each agent fronts an upstream data source
// (a metering API, a building management system, a local historian) and
// exposes it through a small command protocol:
//
//	┌──────────┐   request/reply    ┌──────────┐   upstream API   ┌──────────┐
//	│  Client  │ ─────────────────► │  Agent   │ ───────────────► │  Source  │
//	│          │ ◄───────────────── │          │ ◄─────────────── │          │
//	└──────────┘   quoalise.agent.  └──────────┘                  └──────────┘
//	     ▲          <id>.command
//	     │
//	     └──────── quoalise.data.<token> (JetStream push, optional)
//
// The protocol is dialog-based. A get_history command opens a session; the
// agent may answer with a form requesting parameters (device, metric, time
// range, resolution), the client submits the filled form, and the agent
// replies with a dataset or an error. Sessions are owned by the requester
// that opened them and can be canceled at any stage; a cancel always wins
// over a late result.
//
// # Packages
//
// Protocol:
//   - wire: command envelopes, data forms, dataset XML encoding, and the
//     mapping between classified errors and protocol error conditions
//   - session: per-requester session state machine with generation
//     counters and expiry
//   - command: query parsing, structural validation, and execution against
//     an upstream Source
//
// Endpoints:
//   - agent: NATS-facing agent loop (command dispatch, rate limiting,
//     subscription registry, dataset push)
//   - client: requester-side API (GetHistory, Subscribe, Listen) with
//     retries and dataset caching
//   - cmd/quoalise-agent: agent binary with a synthetic sandbox source
//
// Infrastructure:
//   - natsclient: NATS connection management, JetStream, KV
//   - config: configuration loading and validation
//   - errors: structured error classification
//   - metric: Prometheus metrics
//   - health: subsystem health aggregation
//   - pkg/retry: retry policies
//   - pkg/cache: generic caches
//
// # Error Model
//
// Errors cross the wire as a condition (bad-request, item-not-found,
// not-authorized, service-unavailable, feature-not-implemented,
// undefined-condition) plus optional human-readable text. Errors reported
// by an upstream source carry an extension naming the issuer and the
// issuer's own error code, preserved verbatim end to end so a client can
// act on the source's diagnostics.
//
// # Usage
//
// Minimal client:
//
//	c, _ := client.New(client.Deps{Transport: nc, Requester: "alice"})
//	ds, err := c.GetHistory(ctx, "sandbox", command.Query{
//	    DeviceID: "meter-42",
//	    Metric:   "active-power",
//	    Start:    start,
//	    End:      end,
//	})
//
// Minimal agent: see cmd/quoalise-agent.
package quoalise
