// Package preflight checks that a host is ready to run stagehand.
//
// RunAll covers the state directories, the queue database, every configured
// stage command, and the binaries of enabled worker kinds. The CLI "doctor"
// command renders the results; a failed required check makes it exit non-zero.
// Optional results are advisory and never fail the run.
package preflight
