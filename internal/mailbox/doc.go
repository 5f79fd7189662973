// Package mailbox manages the on-disk request/response file pairs that carry
// commands to the host and answers back.
//
// Each channel owns one directory with a request slot and a response slot:
//
//	<dir>/<request file>   written by the bridge (atomic rename), consumed by the host
//	<dir>/<response file>  written by the host, consumed and removed by the bridge
//
// Only one writer and one reader touch each direction, so the slots need no
// locking beyond atomic file replacement. The writer is kept unique by an
// advisory lock file (.flbridge.lock) the Store holds in every directory:
// a second bridge fails to open instead of overwriting or draining the
// first one's slots. The host writes its response
// non-atomically: an empty file is treated as absent and an unparseable one
// is left in place so a later read can see the completed write.
package mailbox
