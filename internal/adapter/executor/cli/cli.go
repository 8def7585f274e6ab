// Package cli implements the executor port by shelling out to a
// coding-agent command line tool.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

const (
	// summaryTailLimit bounds how much raw output becomes the summary
	// when the tool reports no structured one.
	summaryTailLimit = 2000

	// progressEvery paces the progress callback while output streams.
	progressEvery = 10
)

// Config describes how to invoke the tool. Zero values fall back to
// the conventional agent CLI contract: prompt on the last argument,
// output on stdout, exit code as the verdict.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	Env     map[string]string
}

func (c *Config) defaults() {
	if c.Command == "" {
		c.Command = "claude"
	}
	if c.Args == nil {
		c.Args = []string{"--dangerously-skip-permissions", "-p"}
	}
	if c.WorkDir == "" {
		c.WorkDir = "/workspace"
	}
}

// ProgressFunc receives streaming notes while an invocation runs.
type ProgressFunc func(message string)

type cliExecutor struct {
	cfg      Config
	progress ProgressFunc
	log      *zap.Logger
}

func NewExecutor(cfg Config, progress ProgressFunc, log *zap.Logger) port.Executor {
	cfg.defaults()
	return &cliExecutor{cfg: cfg, progress: progress, log: log}
}

// Invoke runs one tool process to completion, streaming its combined
// output. A nonzero exit is an executor failure; on success the
// trailing JSON summary, when present, becomes the structured result.
func (e *cliExecutor) Invoke(ctx context.Context, name, prompt string, extra map[string]any) (*domain.InvocationResult, error) {
	if len(extra) > 0 {
		if data, err := json.MarshalIndent(extra, "", "  "); err == nil {
			prompt += "\n\n## Additional Context\n" + string(data) + "\n"
		}
	}

	args := append(append([]string(nil), e.cfg.Args...), prompt)
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "EXECUTOR_ROLE="+name)
	for k, v := range e.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExecutorFailure, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", domain.ErrExecutorFailure, e.cfg.Command, err)
	}

	var out bytes.Buffer
	lines := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out.WriteString(scanner.Text())
		out.WriteByte('\n')
		lines++
		if e.progress != nil && lines%progressEvery == 0 {
			e.progress(fmt.Sprintf("... %d lines processed", lines))
		}
	}

	if scanErr := scanner.Err(); scanErr != nil {
		// The stream is broken; the child may be blocked writing into
		// a pipe nobody drains. Kill it so Wait can reap.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		e.log.Warn("Executor output stream failed",
			zap.String("executor", name),
			zap.Error(scanErr))
		return nil, fmt.Errorf("%w: reading %s output: %v", domain.ErrExecutorFailure, e.cfg.Command, scanErr)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrExecutorFailure, ctx.Err())
		}
		e.log.Warn("Executor process failed",
			zap.String("executor", name),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrExecutorFailure, e.cfg.Command, err)
	}

	return parseOutput(out.String()), nil
}

// parseOutput extracts the structured summary the tool was asked to
// print last. Output without one still succeeds, with the raw tail as
// the summary.
func parseOutput(output string) *domain.InvocationResult {
	if res, ok := trailingJSON(output); ok {
		return res
	}

	summary := strings.TrimSpace(output)
	if len(summary) > summaryTailLimit {
		summary = summary[len(summary)-summaryTailLimit:]
	}
	return &domain.InvocationResult{
		FilesCreated:  []string{},
		FilesModified: []string{},
		Issues:        []string{},
		Summary:       summary,
	}
}

// trailingJSON scans backwards for the last top-level JSON object in
// the output and decodes it as a result.
func trailingJSON(output string) (*domain.InvocationResult, bool) {
	end := strings.LastIndexByte(output, '}')
	if end < 0 {
		return nil, false
	}

	// Walk back to the matching opening brace. Braces inside strings
	// can fool this; the decode below rejects those candidates.
	depth := 0
	for i := end; i >= 0; i-- {
		switch output[i] {
		case '}':
			depth++
		case '{':
			depth--
		}
		if depth == 0 {
			var res domain.InvocationResult
			if err := json.Unmarshal([]byte(output[i:end+1]), &res); err != nil {
				return nil, false
			}
			if res.FilesCreated == nil {
				res.FilesCreated = []string{}
			}
			if res.FilesModified == nil {
				res.FilesModified = []string{}
			}
			if res.Issues == nil {
				res.Issues = []string{}
			}
			return &res, true
		}
	}
	return nil, false
}
