// Package agentcli runs the external coding agent as a child process. The
// agent is invoked non-interactively with structured stream-JSON output;
// stdout is drained line by line to a caller callback while the full output
// accumulates for post-processing.
package agentcli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrorKind classifies agent invocation failures.
type ErrorKind string

const (
	ErrSpawnFailed ErrorKind = "spawn_failed"
	ErrCrashed     ErrorKind = "crashed"
	ErrTimeout     ErrorKind = "timeout"
	ErrCancelled   ErrorKind = "cancelled"
	ErrUnparseable ErrorKind = "unparseable"
	ErrNonZeroExit ErrorKind = "non_zero_exit"
)

// AgentError reports a failed invocation. Raw output is preserved for
// debugging even when the trailing envelope could not be parsed.
type AgentError struct {
	Kind     ErrorKind
	ExitCode int
	Stderr   string
	Output   string
	Err      error
}

func (e *AgentError) Error() string {
	msg := fmt.Sprintf("agent %s (exit %d)", e.Kind, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AgentError) Unwrap() error { return e.Err }

// Request describes one agent invocation.
type Request struct {
	Dir             string        // working directory (the session's project path)
	Prompt          string
	Model           string        // overrides the runner default when set
	AllowedTools    []string
	ResumeSessionID string        // opaque token to resume a prior conversation
	Timeout         time.Duration // hard wall-clock limit
	OnChunk         func(line string) // live stdout lines; may be nil
}

// Result is a successful invocation's outcome.
type Result struct {
	Output         string  // full concatenated stdout
	ResultText     string  // final result text from the envelope
	AgentSessionID string  // resumable session token
	CostUSD        float64
	ExitCode       int
}

// Runner spawns the agent binary.
type Runner struct {
	Cmd       string        // binary path (AGENT_CMD)
	Model     string        // default model selector
	KillGrace time.Duration // SIGTERM -> SIGKILL gap
	Log       *slog.Logger
}

// NewRunner creates a Runner for the given binary.
func NewRunner(cmd, model string, killGrace time.Duration, log *slog.Logger) *Runner {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{Cmd: cmd, Model: model, KillGrace: killGrace, Log: log}
}

// maxStderr caps the captured stderr kept for diagnostics.
const maxStderr = 64 * 1024

// Run executes one invocation. Cancellation of ctx is treated identically to
// timeout except the reported kind is cancelled.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	args := r.buildArgs(req)

	cmd := exec.Command(r.Cmd, args...) //nolint:gosec // binary path from trusted config
	cmd.Dir = req.Dir
	cmd.Stdin = nil // prompt travels on argv; stdin stays closed

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &AgentError{Kind: ErrSpawnFailed, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &AgentError{Kind: ErrSpawnFailed, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &AgentError{Kind: ErrSpawnFailed, Err: err}
	}

	start := time.Now()
	r.Log.Debug("agent started", "pid", cmd.Process.Pid, "dir", req.Dir, "timeout", req.Timeout)

	var outBuf bytes.Buffer
	var errBuf bytes.Buffer

	var g errgroup.Group
	g.Go(func() error {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 16<<20)
		for sc.Scan() {
			line := sc.Text()
			outBuf.WriteString(line)
			outBuf.WriteByte('\n')
			if req.OnChunk != nil {
				req.OnChunk(line)
			}
		}
		return sc.Err()
	})
	g.Go(func() error {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			if errBuf.Len() < maxStderr {
				errBuf.WriteString(sc.Text())
				errBuf.WriteByte('\n')
			}
		}
		return sc.Err()
	})

	// Wait for the process on its own goroutine so we can select against
	// timeout and cancellation.
	waitCh := make(chan error, 1)
	go func() {
		_ = g.Wait() // pipes must drain before Wait
		waitCh <- cmd.Wait()
	}()

	var timer <-chan time.Time
	if req.Timeout > 0 {
		t := time.NewTimer(req.Timeout)
		defer t.Stop()
		timer = t.C
	}

	var waitErr error
	var killed ErrorKind
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		killed = ErrCancelled
		waitErr = r.terminate(cmd, waitCh)
	case <-timer:
		killed = ErrTimeout
		waitErr = r.terminate(cmd, waitCh)
	}

	output := outBuf.String()
	exitCode := cmd.ProcessState.ExitCode()
	elapsed := time.Since(start)

	if killed != "" {
		r.Log.Warn("agent terminated", "reason", killed, "elapsed", elapsed)
		return nil, &AgentError{Kind: killed, ExitCode: exitCode, Stderr: errBuf.String(), Output: output}
	}

	if waitErr != nil {
		kind := ErrNonZeroExit
		if strings.TrimSpace(output) == "" {
			kind = ErrCrashed
		}
		return nil, &AgentError{Kind: kind, ExitCode: exitCode, Stderr: errBuf.String(), Output: output, Err: waitErr}
	}

	res, perr := parseResult(output)
	if perr != nil {
		return nil, &AgentError{Kind: ErrUnparseable, ExitCode: exitCode, Stderr: errBuf.String(), Output: output, Err: perr}
	}
	res.ExitCode = exitCode

	r.Log.Debug("agent finished", "elapsed", elapsed, "cost_usd", res.CostUSD)
	return res, nil
}

// buildArgs assembles the non-interactive stream-JSON argv.
func (r *Runner) buildArgs(req Request) []string {
	model := req.Model
	if model == "" {
		model = r.Model
	}
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--model", model,
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	return args
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs. It
// always returns after the process has been reaped.
func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(r.KillGrace):
	}
	_ = cmd.Process.Kill()
	return <-waitCh
}
