// Package stageexec runs a configured external command as a pipeline stage.
package stageexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/queue"
	"stagehand/internal/services"
	"stagehand/internal/stage"
)

// maxLogBytes bounds the command output kept on the row.
const maxLogBytes = 64 * 1024

// Command executes one stage by running an external program. The program
// receives the task through STAGEHAND_TASK_ID, STAGEHAND_STAGE, and
// STAGEHAND_METADATA. When the last non-empty stdout line is a JSON object it
// replaces the row's metadata.
type Command struct {
	Stage   queue.Stage
	Spec    config.StageCommand
	Logger  *slog.Logger
	Environ func() []string
}

// New returns a Command for stage using its configured spec.
func New(stg queue.Stage, spec config.StageCommand, logger *slog.Logger) *Command {
	return &Command{Stage: stg, Spec: spec, Logger: logger}
}

// FromConfig builds a handler for every stage with a configured command.
func FromConfig(cfg *config.Config, logger *slog.Logger) map[queue.Stage]stage.Handler {
	handlers := make(map[queue.Stage]stage.Handler)
	for _, stg := range queue.Stages() {
		spec, ok := cfg.StageCommandFor(string(stg))
		if !ok {
			continue
		}
		handlers[stg] = New(stg, spec, logger)
	}
	return handlers
}

// Execute runs the command for task.
func (c *Command) Execute(ctx context.Context, task *queue.StageRecord) (stage.Result, error) {
	if task == nil {
		return stage.Result{}, services.Wrap(services.ErrValidation, string(c.Stage), "execute", "task is required", nil)
	}
	if c.Spec.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.Spec.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Spec.Command, c.Spec.Args...)
	cmd.Dir = c.Spec.Dir
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = append(c.environ(),
		"STAGEHAND_TASK_ID="+task.TaskID,
		"STAGEHAND_STAGE="+string(task.Stage),
		"STAGEHAND_METADATA="+string(task.Metadata),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := logging.WithContext(ctx, logging.NewComponentLogger(c.Logger, "stageexec"))
	logger.Debug("stage command starting",
		logging.String("command", c.Spec.Command),
		logging.Any("args", c.Spec.Args),
	)
	started := time.Now()
	runErr := cmd.Run()
	logs := combineOutput(stdout.String(), stderr.String())

	if runErr != nil {
		detail := strings.TrimSpace(lastLine(stderr.String()))
		if detail == "" {
			detail = runErr.Error()
		}
		marker := services.ErrExternalTool
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			marker = services.ErrTimeout
			detail = fmt.Sprintf("exceeded %ds", c.Spec.TimeoutSeconds)
		}
		var execErr *exec.Error
		if errors.As(runErr, &execErr) {
			marker = services.ErrConfiguration
		}
		return stage.Result{Logs: logs}, services.Wrap(marker, string(c.Stage), "run "+c.Spec.Command, detail, runErr)
	}

	result := stage.Result{Logs: logs}
	if line := lastLine(stdout.String()); strings.HasPrefix(line, "{") && json.Valid([]byte(line)) {
		result.Metadata = json.RawMessage(line)
	}
	logger.Debug("stage command finished",
		logging.Duration("elapsed", time.Since(started)),
		logging.Bool("metadata_updated", len(result.Metadata) > 0),
	)
	return result, nil
}

// HealthCheck reports whether the command resolves on PATH.
func (c *Command) HealthCheck(context.Context) stage.Health {
	name := string(c.Stage)
	if strings.TrimSpace(c.Spec.Command) == "" {
		return stage.Unhealthy(name, "no command configured")
	}
	if _, err := exec.LookPath(c.Spec.Command); err != nil {
		return stage.Unhealthy(name, err.Error())
	}
	return stage.Healthy(name)
}

func (c *Command) environ() []string {
	if c.Environ != nil {
		return c.Environ()
	}
	return os.Environ()
}

func lastLine(output string) string {
	var last string
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogBytes)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}

func combineOutput(stdout, stderr string) string {
	var b strings.Builder
	if s := strings.TrimRight(stdout, "\n"); s != "" {
		b.WriteString(s)
	}
	if s := strings.TrimRight(stderr, "\n"); s != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s)
	}
	out := b.String()
	if len(out) > maxLogBytes {
		out = out[len(out)-maxLogBytes:]
	}
	return out
}
