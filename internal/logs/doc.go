// Package logs reads the daemon log and spawned worker logs.
//
// Tail returns the last N lines of a file, or the lines appended since an
// offset. Follow keeps reading as the file grows, waking on filesystem events
// and falling back to a slow poll when the watcher is unavailable. Worker logs
// are located by claim id under the worker directory.
package logs
