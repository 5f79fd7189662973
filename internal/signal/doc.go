// Package signal wakes the host after a request has been written.
//
// The live channel is woken by a MIDI note on a virtual port; the batch
// channel by a synthetic keystroke that runs the piano-roll script. Signals
// are best-effort nudges: delivery is never acknowledged, and the response
// file is the only evidence that the host acted.
//
// Emission is fire-and-forget. Each emitter owns one worker goroutine; Wake
// enqueues and returns immediately. The first delivery failure is latched and
// reported once through the OnFailure callback; later calls fail fast with
// the latched error until Reset.
package signal
