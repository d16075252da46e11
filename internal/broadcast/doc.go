// Package broadcast fans out state-change notices from the orchestration
// core to presentation-layer subscribers such as the control API's SSE stream.
//
// Publishing holds only a read lock and never blocks: a subscriber whose
// buffer is full misses that notice. Subscribers are expected to re-read the
// authoritative snapshot when they need exact state.
package broadcast
