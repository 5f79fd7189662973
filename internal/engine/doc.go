// Package engine correlates commands with host responses.
//
// The engine turns a fire-and-forget transport (a request file plus a wake
// signal) into request/response semantics:
//
//  1. Each channel has one slot. A command holds it for its whole lifetime,
//     retries included, so the host never sees two requests interleaved and
//     an unconsumed request is never overwritten by another command.
//  2. Before the first write the slot is recovered from whatever a crashed or
//     abandoned predecessor left behind.
//  3. The request envelope is written atomically and the channel is woken.
//  4. The response slot is polled (and, when a watcher is configured, read as
//     soon as the file changes). A response is accepted only if it carries
//     the command's request id; anything else is logged and discarded.
//  5. An attempt that sees no matching response before its deadline is
//     retried with the same request id. After the last attempt, or when the
//     per-command deadline passes, the request is retracted and the command
//     fails with a timeout.
//
// Thread-safety: Submit may be called from any goroutine. Commands on
// different channels proceed in parallel; commands on the same channel are
// served in slot-acquisition order.
package engine
