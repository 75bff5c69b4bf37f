// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// Queue and lock operations do not go through the daemon: the CLI opens the
// queue database directly. The socket carries only what needs the live
// process, such as status, pool snapshots, and on-demand maintenance.
package ipc
