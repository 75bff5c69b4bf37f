package testsupport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stagehand/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.WorkerDir = filepath.Join(base, "workers")
	cfgVal.Queue.PollInterval = 1
	cfgVal.Queue.HeartbeatInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithLockTimeout overrides the stage lock timeout.
func WithLockTimeout(d time.Duration) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.LockTimeoutMinutes = int(d / time.Minute)
	}
}

// WithStageCommand configures the command that runs stage.
func WithStageCommand(stage, command string, args ...string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Stages == nil {
			b.cfg.Stages = map[string]config.StageCommand{}
		}
		b.cfg.Stages[stage] = config.StageCommand{Command: command, Args: args}
	}
}

// WithStubbedBinaries writes shell stubs for the provided names and prepends
// their directory to PATH. Each stub runs body, or exits 0 when body is empty.
func WithStubbedBinaries(body string, names ...string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		if body == "" {
			body = "exit 0"
		}
		script := []byte("#!/bin/sh\n" + body + "\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		if tb, ok := b.t.(interface{ Setenv(string, string) }); ok {
			tb.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
