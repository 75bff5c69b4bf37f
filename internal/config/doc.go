// Package config loads, normalizes, and validates stagehand configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// STAGEHAND_STATE_DIR and STAGEHAND_LOG_LEVEL. The Config type centralizes
// every knob the daemon and CLI need: where the queue and work-item databases
// live, how long a stage lock may go without a heartbeat, which external
// command runs each stage, and how the worker spawning pool is sized.
//
// Watcher reports edits to the loaded file so the daemon can re-apply the
// worker roster without a restart.
package config
