package preflight

import (
	"context"
	"fmt"
	"slices"

	"stagehand/internal/config"
	"stagehand/internal/spawnpool"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name" yaml:"name"`
	Passed   bool   `json:"passed" yaml:"passed"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Detail   string `json:"detail" yaml:"detail"`
}

// RunAll executes every check that applies to cfg.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Worker directory", cfg.Paths.WorkerDir),
		CheckQueueDatabase(ctx, cfg),
	}

	names := make([]string, 0, len(cfg.Stages))
	for name := range cfg.Stages {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		cmd, ok := cfg.StageCommandFor(name)
		if !ok {
			results = append(results, Result{Name: "Stage " + name, Detail: "command not configured"})
			continue
		}
		results = append(results, CheckBinary("Stage "+name, cmd.Command, false))
	}

	if cfg.Pool.Enabled {
		for _, kb := range spawnpool.EnabledBinaries(cfg.Pool.Kinds) {
			results = append(results, CheckBinary(fmt.Sprintf("Worker %s", kb.Kind), kb.Binary, true))
		}
	}
	return results
}

// Failed reports whether any required check failed.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed && !r.Optional {
			return true
		}
	}
	return false
}
