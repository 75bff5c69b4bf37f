// Package spawnpool turns open work-item claims into detached worker
// processes and guarantees every claim it takes either reaches a terminal
// status or is released back to open.
//
// Three overlapping nets back that guarantee: a spawn that fails or does not
// yield a pid within the spawn timeout is rolled back; a periodic reaper
// reconciles running workers against their claim and pid liveness; and an
// orphan sweep releases any in-progress claim whose pid is dead, covering a
// pool that restarted and lost its in-memory bookkeeping.
//
// All in-memory state lives on a Pool value. Cross-process exclusion comes
// only from the conditional writes of the claims.Repository.
package spawnpool
