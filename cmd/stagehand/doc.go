// Package main hosts the stagehand CLI entrypoint and command graph.
//
// Queue, lock, and work-item commands open the SQLite databases directly so
// they work whether or not a daemon is running. Commands that need the live
// process (status, pool, stop, maintenance) go through the daemon's IPC socket.
package main
