// Package scheduler drives the publication engine.
//
// On every tick it asks the store for due posts, claims each one, hands it
// to the publish orchestrator, applies the retry policy (or materializes
// the next recurrence on success), and writes the decision back. Per-post
// processing is independent and runs on a bounded worker pool.
package scheduler
