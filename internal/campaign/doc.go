// Package campaign dispatches campaigns: it validates a submission, reserves
// credit, fans the payload out to every recipient through a worker pool and
// settles unused credit back into the ledger when the campaign ends.
//
// Lifecycle:
//
//	draft → scheduled → running → completed | partially-failed | cancelled
//	                    running ⇄ paused
//
// Pause and cancel are cooperative. They are observed when a worker dequeues
// the next recipient; a recipient already being dispatched finishes.
package campaign
