// Package daemon coordinates the long-running stagehand process.
//
// It wires the queue store, workflow lanes, spawning pool, and maintenance
// scheduler into a single lifecycle. A host-wide flock decides which peer
// runs boot recovery: the first daemon on a host takes the lock exclusively,
// fails every orphaned processing row, then holds the lock shared alongside
// any later peers. An optional HTTP endpoint serves read-only status.
//
// Keep orchestration logic here: stage execution and worker supervision
// live in their own packages.
package daemon
