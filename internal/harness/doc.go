// Package harness runs bridge scenarios end to end.
//
// A scenario drives a real bridge (engine, mailboxes, supervisor and
// journal) against a simulated studio whose replies can be scripted per op.
// Every request the host sees and every outcome the caller gets is recorded
// in a trace, which assertions inspect and golden files pin down.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: live_retry_recovers
//	description: "A missed wake is retried"
//	policies:
//	  live: { attempt_timeout: 200ms, max_retries: 1 }
//	host:
//	  - op: transport.start
//	    times: 1
//	    reply: ignore
//	flow:
//	  - send: transport.start
//	    expect: { outcome: ok, attempts: 2 }
//	  - send: mixer.setTrackVolume
//	    args: { track: 3, volume: 0.25 }
//	  - reconnect: true
//	  - probe: true
//	    expect: { outcome: ok, state: connected }
//	assertions:
//	  - type: host_count
//	    op: transport.start
//	    count: 2
//
// Host replies are one of ok, fail, ignore (leave the request, as if the
// wake was missed), drop (consume without answering) and wrong_id (answer
// with another request's id). Requests no rule matches go to the studio.
//
// # Assertion Types
//
//   - host_count: the host saw op exactly count times
//   - host_order: the host saw ops in this relative order
//   - connection: the final connection state
//   - journal: count (default 1) journal rows of op finished in state
//   - notes: the studio's piano roll holds count notes
//
// # Determinism
//
// Request ids come from a fixed generator (req-1, req-2, ...) and steps run
// one at a time, so a scenario produces the same trace on every run. Error
// messages and latencies are left out of the trace.
package harness
