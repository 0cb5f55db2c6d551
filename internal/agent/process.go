package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/threadbridge/threadbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Status represents the lifecycle state of the agent subprocess.
type Status string

const (
	// StatusStopped means the process is not running
	StatusStopped Status = "stopped"
	// StatusStarting means the process is being spawned
	StatusStarting Status = "starting"
	// StatusRunning means the process is accepting input
	StatusRunning Status = "running"
	// StatusStopping means the process is being torn down
	StatusStopping Status = "stopping"
	// StatusError means the process failed to start
	StatusError Status = "error"
)

const (
	// eventBuffer absorbs bursts without stalling the stdout pump; when it
	// fills, the pump blocks rather than drops so stream order is preserved.
	eventBuffer = 256

	// killGrace is how long Kill waits after SIGTERM before SIGKILL.
	killGrace = 5 * time.Second
)

// The permission broker is exposed to the agent as an MCP server; the
// prompt tool id is derived from the server name.
const (
	mcpServerName        = "permission"
	permissionPromptTool = "mcp__permission__permission_prompt"
)

// errorWrapper wraps errors for atomic.Value storage (can't store nil directly).
type errorWrapper struct {
	err error
}

// Options configure one agent subprocess.
type Options struct {
	// Binary is the agent CLI executable, e.g. "claude".
	Binary string

	// WorkingDir is the subprocess working directory.
	WorkingDir string

	// SessionID starts a fresh agent session under a caller-chosen UUID.
	// Ignored when ResumeSessionID is set.
	SessionID string

	// ResumeSessionID resumes a previous agent session.
	ResumeSessionID string

	// SkipPermissions bypasses the permission broker entirely.
	SkipPermissions bool

	// BrokerCommand is the permission broker executable. Required unless
	// SkipPermissions is set.
	BrokerCommand string

	// BrokerArgs are extra arguments for the broker command.
	BrokerArgs []string

	// BrokerEnv is the broker subprocess environment, injected through the
	// MCP server config.
	BrokerEnv map[string]string

	// ChromeEnabled turns on the agent's browser automation.
	ChromeEnabled bool

	// AppendSystemPrompt is appended to the agent's system prompt.
	AppendSystemPrompt string

	// Env entries are appended to the parent environment.
	Env []string
}

// ExitInfo describes how the subprocess terminated. Code is -1 when the
// process was killed by a signal.
type ExitInfo struct {
	Code int
	Err  error
}

// Process is one agent CLI subprocess speaking stream-json over stdio.
// A Process is single use: create a new one to respawn after exit.
type Process struct {
	opts   Options
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	status   atomic.Value // Status
	exitErr  atomic.Value // errorWrapper
	exitCode atomic.Value // int

	events chan *Event
	exits  chan ExitInfo

	writeMu sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup

	// startMu protects cmd and the started flag across Start/Interrupt/Kill.
	startMu sync.Mutex
	started bool
}

// New creates a process handle; the subprocess is not spawned until Start.
func New(opts Options, log *logger.Logger) *Process {
	p := &Process{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "agent-process")),
		events: make(chan *Event, eventBuffer),
		exits:  make(chan ExitInfo, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.status.Store(StatusStopped)
	p.exitErr.Store(errorWrapper{})
	p.exitCode.Store(0)
	return p
}

// mcpConfig is the inline MCP server configuration passed via --mcp-config.
type mcpConfig struct {
	MCPServers map[string]mcpServer `json:"mcpServers"`
}

type mcpServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// buildArgs assembles the CLI argument list for the configured session.
func buildArgs(opts Options) ([]string, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}

	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		if opts.BrokerCommand == "" {
			return nil, fmt.Errorf("broker command required for interactive permissions")
		}
		cfg := mcpConfig{
			MCPServers: map[string]mcpServer{
				mcpServerName: {
					Command: opts.BrokerCommand,
					Args:    opts.BrokerArgs,
					Env:     opts.BrokerEnv,
				},
			},
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal mcp config: %w", err)
		}
		args = append(args,
			"--mcp-config", string(data),
			"--permission-prompt-tool", permissionPromptTool,
		)
	}

	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	} else if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}

	if opts.ChromeEnabled {
		args = append(args, "--chrome")
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}

	return args, nil
}

// Start spawns the agent subprocess and begins pumping its streams.
func (p *Process) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started {
		return fmt.Errorf("agent process already started")
	}

	args, err := buildArgs(p.opts)
	if err != nil {
		return err
	}

	p.status.Store(StatusStarting)
	p.logger.Info("Starting agent process",
		zap.String("binary", p.opts.Binary),
		zap.String("working_dir", p.opts.WorkingDir),
		zap.Bool("skip_permissions", p.opts.SkipPermissions),
		zap.String("resume_session_id", p.opts.ResumeSessionID))

	// Plain Command, not CommandContext: the agent must outlive the caller's
	// context. Teardown happens explicitly via Interrupt/Kill.
	cmd := exec.Command(p.opts.Binary, args...)
	cmd.Dir = p.opts.WorkingDir
	cmd.Env = append(os.Environ(), p.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderr = stderr
	p.started = true
	p.status.Store(StatusRunning)

	p.wg.Add(2)
	go p.readStdout()
	go p.readStderr()
	go p.waitForExit()

	p.logger.Info("Agent process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Status returns the current lifecycle state.
func (p *Process) Status() Status {
	return p.status.Load().(Status)
}

// IsRunning reports whether the subprocess is accepting input.
func (p *Process) IsRunning() bool {
	return p.Status() == StatusRunning
}

// ExitCode returns the exit code after termination, -1 when signalled.
func (p *Process) ExitCode() int {
	return p.exitCode.Load().(int)
}

// ExitError returns the error from process exit, if any.
func (p *Process) ExitError() error {
	if w, ok := p.exitErr.Load().(errorWrapper); ok {
		return w.err
	}
	return nil
}

// PID returns the subprocess pid, or 0 before Start.
func (p *Process) PID() int {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Events returns the ordered stream of parsed agent events. The channel
// is closed after the subprocess exits.
func (p *Process) Events() <-chan *Event {
	return p.events
}

// Exits delivers exactly one ExitInfo when the subprocess terminates.
func (p *Process) Exits() <-chan ExitInfo {
	return p.exits
}

// SendMessage writes a plain text user message to the agent's stdin.
func (p *Process) SendMessage(text string) error {
	return p.send(UserMessage(text))
}

// SendContent writes a user message with mixed content blocks.
func (p *Process) SendContent(blocks []ContentBlock) error {
	return p.send(UserMessageBlocks(blocks))
}

// SendToolResult answers an outstanding tool_use with the given payload.
func (p *Process) SendToolResult(toolUseID, content string) error {
	return p.send(ToolResultMessage(toolUseID, content))
}

func (p *Process) send(msg any) error {
	if p.Status() != StatusRunning {
		return fmt.Errorf("agent process not running")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	p.logger.Debug("Sent message to agent", zap.Int("bytes", len(data)))
	return nil
}

// Interrupt sends SIGINT to stop the current turn; the subprocess stays up.
func (p *Process) Interrupt() error {
	p.startMu.Lock()
	cmd := p.cmd
	p.startMu.Unlock()

	if cmd == nil || cmd.Process == nil || p.Status() != StatusRunning {
		return fmt.Errorf("agent process not running")
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to interrupt agent process: %w", err)
	}
	p.logger.Info("Interrupted agent process", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Kill terminates the subprocess: close stdin, SIGTERM, then SIGKILL if it
// has not exited within the grace period or the context deadline.
func (p *Process) Kill(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if st := p.Status(); st == StatusStopped || st == StatusError {
		return nil
	}
	p.status.Store(StatusStopping)

	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}

	// Closing stdin lets the CLI exit on its own when idle.
	p.writeMu.Lock()
	if p.stdin != nil {
		p.stdin.Close()
	}
	p.writeMu.Unlock()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("SIGTERM failed, process may have already exited", zap.Error(err))
	}

	select {
	case <-p.doneCh:
		return nil
	case <-time.After(killGrace):
	case <-ctx.Done():
	}

	p.logger.Warn("Agent process did not exit, killing", zap.Int("pid", p.cmd.Process.Pid))
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill agent process: %w", err)
	}

	select {
	case <-p.doneCh:
	case <-time.After(killGrace):
		return fmt.Errorf("agent process did not exit after kill")
	}
	return nil
}

// readStdout pumps parsed events from the agent's stdout until EOF.
func (p *Process) readStdout() {
	defer p.wg.Done()

	if err := pumpEvents(p.stdout, p.events, p.stopCh, p.logger); err != nil {
		p.logger.Warn("Agent stdout closed with error", zap.Error(err))
	}
}

// pumpEvents reads newline-delimited JSON from r and delivers parsed events
// to out in order. Malformed lines are logged and skipped; a partial
// trailing line is retained by the scanner until its terminator arrives.
func pumpEvents(r io.Reader, out chan<- *Event, stop <-chan struct{}, log *logger.Logger) error {
	scanner := bufio.NewScanner(r)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, err := decodeEvent(line)
		if err != nil {
			log.Warn("Skipping malformed agent output",
				zap.Error(err),
				zap.String("line", truncateForLog(line)))
			continue
		}

		select {
		case out <- ev:
		case <-stop:
			return nil
		}
	}
	return scanner.Err()
}

// readStderr drains the agent's stderr into debug logs.
func (p *Process) readStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.logger.Debug("agent stderr", zap.String("line", line))
	}
}

// waitForExit reaps the subprocess after both stream pumps finish, then
// publishes the exit exactly once and closes the event channel.
func (p *Process) waitForExit() {
	p.wg.Wait()

	err := p.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
		p.exitErr.Store(errorWrapper{err: err})
		p.logger.Warn("Agent process exited with error",
			zap.Int("exit_code", code),
			zap.Error(err))
	} else {
		p.logger.Info("Agent process exited", zap.Int("exit_code", 0))
	}
	p.exitCode.Store(code)
	p.status.Store(StatusStopped)

	close(p.events)
	p.exits <- ExitInfo{Code: code, Err: err}
	close(p.doneCh)
}

// truncateForLog caps raw lines included in log entries.
func truncateForLog(line []byte) string {
	const max = 512
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}
