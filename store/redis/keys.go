package redis

// Redis key naming conventions for folio data.
// All keys are prefixed with "folio:" to avoid collisions.

const keyPrefix = "folio:"

// ── Job keys ──

// jobKey returns the key for a job entity: folio:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// unitsKey returns the Hash holding a job's units keyed by index:
// folio:units:{jobID}
func unitsKey(jobID string) string { return keyPrefix + "units:" + jobID }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// ── Ledger keys ──

// balanceKey returns the key for a user's balance Hash: folio:balance:{user}
func balanceKey(userID string) string { return keyPrefix + "balance:" + userID }

// txnKey returns the key for a transaction entity: folio:txn:{id}
func txnKey(id string) string { return keyPrefix + "txn:" + id }

// userTxnsKey returns the Sorted Set of a user's transaction IDs,
// scored by creation time: folio:txns:{user}
func userTxnsKey(userID string) string { return keyPrefix + "txns:" + userID }

// dedupKey returns the Hash mapping dedup keys to transaction IDs for
// one user: folio:dedup:{user}
func dedupKey(userID string) string { return keyPrefix + "dedup:" + userID }
