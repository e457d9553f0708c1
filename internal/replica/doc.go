// Package replica implements one named copy of the student record set.
//
// # Overview
//
// A replica owns a storage.Store holding msgpack-encoded records keyed by
// roll number, a health status and the writes it has voted for but not yet
// applied. The replicated database talks to replicas only through this
// package: it never touches the store directly.
//
// # Health
//
// Health is explicit state, not the result of a probe:
//
//	online  ──Fail──▶  offline
//	   ▲                  │
//	   └─────Recover──────┘
//
// An offline replica refuses reads and votes "no" on every prepare. Going
// offline drops staged writes. Recovering does not resynchronize anything;
// whatever the replica held before failing is served again, even if it
// missed updates in between.
//
// # Two-phase commit participant
//
//	Prepare(tx, record)  stage encoded bytes under tx, vote yes
//	Commit(tx)           write staged bytes into the store
//	Abort(tx)            drop staged bytes
//
// Prepare fails (votes no) when the replica is offline or does not hold the
// record. Commit of an unknown transaction is an error; Abort of one is not.
//
// # Statistics
//
// Reads, prepares, commits and aborts are counted with atomic counters so
// status queries never contend with the replica lock.
package replica
