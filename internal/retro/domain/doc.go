// Package domain holds the retrospective session model: the ordered phase
// state machine, the per-participant vote ledger, and the session aggregate
// that ties roster, facilitator assignment, and votes together.
//
// Nothing in this package is concurrency-safe on its own. A session is owned
// by exactly one room actor, and all invariants (vote budget, single
// facilitator, monotonic-or-explicit phase) are enforced at that
// serialization point.
package domain
