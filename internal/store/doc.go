// Package store persists scheduled posts.
//
// It currently supports:
//   - sqlite: durable single-file database (modernc.org/sqlite)
//   - memory: mutex-guarded in-process backend (tests, ephemeral runs)
//
// Both backends implement the same conditional-update semantics (Claim,
// Cancel, Update with an expected-status guard) so the scheduling engine
// behaves identically against either.
package store
