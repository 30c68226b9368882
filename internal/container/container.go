// Package container runs lane agents inside disposable containers via the
// local container runtime CLI and frames their stdout into structured events.
package container

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"nanoclaw/internal/logging"
	"nanoclaw/internal/shared/jsonx"
)

// Stdout framing markers. Everything between one start/end pair is a single
// JSON Output payload; every other line is an incremental log.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// Output statuses.
const (
	StatusStreaming = "streaming"
	StatusSuccess   = "success"
	StatusError     = "error"
)

// Usage is the resource accounting a container reports on exit.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	DurationMS   int64 `json:"duration_ms"`
	PeakRSSMB    int64 `json:"peak_rss_mb"`
}

// Output is one framed stdout event from a running container.
type Output struct {
	Status              string  `json:"status"`
	Result              *string `json:"result"`
	NewSessionID        string  `json:"new_session_id,omitempty"`
	SessionResumeStatus string  `json:"session_resume_status,omitempty"`
	SessionResumeError  string  `json:"session_resume_error,omitempty"`
	Usage               *Usage  `json:"usage,omitempty"`
}

// SpawnSpec describes one container invocation.
type SpawnSpec struct {
	GroupFolder string
	Image       string
	Mounts      []string
	Env         map[string]string
	Args        []string
	// Prompt is the JSON prompt envelope written to stdin before any
	// piped follow-ups.
	Prompt []byte
}

// Driver is the seam between the orchestrator and the container runtime.
type Driver interface {
	Spawn(ctx context.Context, spec SpawnSpec, onEvent func(Output), onLog func(string)) (*Process, error)
	HasRunningContainerWithPrefix(ctx context.Context, prefix string) (bool, error)
	CleanupOrphans(ctx context.Context) error
	EnsureRuntimeRunning(ctx context.Context) error
}

// NamePrefix returns the container name prefix for one lane; the supervisor
// matches running containers against it.
func NamePrefix(basePrefix, groupFolder string) string {
	return basePrefix + groupFolder + "-"
}

// CLIDriver shells out to a docker-compatible runtime binary.
type CLIDriver struct {
	runtime    string
	namePrefix string
	logger     logging.Logger
}

// NewCLIDriver builds a driver for the given runtime binary ("docker",
// "podman") and container name prefix.
func NewCLIDriver(runtime, namePrefix string, logger logging.Logger) *CLIDriver {
	return &CLIDriver{runtime: runtime, namePrefix: namePrefix, logger: logging.OrNop(logger)}
}

// Process is a handle on one running container.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger logging.Logger

	mu          sync.Mutex
	stdinClosed bool

	done    chan struct{}
	waitErr error
}

// Spawn starts a container, writes the prompt envelope to its stdin, and
// streams framed stdout events to onEvent and everything else to onLog until
// the container exits.
func (d *CLIDriver) Spawn(ctx context.Context, spec SpawnSpec, onEvent func(Output), onLog func(string)) (*Process, error) {
	name := fmt.Sprintf("%s%d", NamePrefix(d.namePrefix, spec.GroupFolder), time.Now().UnixMilli())

	args := []string{"run", "--rm", "-i", "--name", name}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Args...)

	cmd := exec.CommandContext(ctx, d.runtime, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}
	d.logger.Info("spawned container %s (pid %d)", name, cmd.Process.Pid)

	p := &Process{
		name:   name,
		cmd:    cmd,
		stdin:  stdin,
		logger: d.logger,
		done:   make(chan struct{}),
	}

	if len(spec.Prompt) > 0 {
		if _, err := stdin.Write(append(spec.Prompt, '\n')); err != nil {
			p.Kill()
			return nil, fmt.Errorf("write prompt to %s: %w", name, err)
		}
	}

	go func() {
		readFramedOutput(stdout, onEvent, onLog)
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// readFramedOutput scans stdout line by line, collecting marker-framed JSON
// payloads and forwarding everything else as log lines.
func readFramedOutput(r io.Reader, onEvent func(Output), onLog func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var payload bytes.Buffer
	inPayload := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == OutputStartMarker:
			inPayload = true
			payload.Reset()
		case strings.TrimSpace(line) == OutputEndMarker:
			inPayload = false
			var out Output
			if err := jsonx.Unmarshal(payload.Bytes(), &out); err == nil {
				if onEvent != nil {
					onEvent(out)
				}
			} else if onLog != nil {
				onLog(payload.String())
			}
			payload.Reset()
		case inPayload:
			payload.WriteString(line)
			payload.WriteByte('\n')
		default:
			if onLog != nil {
				onLog(line)
			}
		}
	}
}

// Name returns the runtime container name.
func (p *Process) Name() string { return p.name }

// Pid returns the runtime client process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// SendInput pipes a follow-up message into the container's stdin.
func (p *Process) SendInput(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return fmt.Errorf("stdin already closed for %s", p.name)
	}
	_, err := io.WriteString(p.stdin, text+"\n")
	return err
}

// CloseStdin signals the agent to finish its turn and exit.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	return p.stdin.Close()
}

// Kill terminates the runtime client process immediately.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.stdinClosed = true
	p.mu.Unlock()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until the container exits and returns its exit error, if any.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Done is closed when the container has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// HasRunningContainerWithPrefix asks the runtime whether any live container
// name starts with prefix.
func (d *CLIDriver) HasRunningContainerWithPrefix(ctx context.Context, prefix string) (bool, error) {
	out, err := exec.CommandContext(ctx, d.runtime, "ps", "--format", "{{.Names}}").Output()
	if err != nil {
		return false, fmt.Errorf("%s ps: %w", d.runtime, err)
	}
	for _, name := range strings.Fields(string(out)) {
		if strings.HasPrefix(name, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// CleanupOrphans force-removes every container left over from a previous
// orchestrator process.
func (d *CLIDriver) CleanupOrphans(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, d.runtime, "ps", "-a", "--format", "{{.Names}}").Output()
	if err != nil {
		return fmt.Errorf("%s ps -a: %w", d.runtime, err)
	}
	for _, name := range strings.Fields(string(out)) {
		if !strings.HasPrefix(name, d.namePrefix) {
			continue
		}
		if err := exec.CommandContext(ctx, d.runtime, "rm", "-f", name).Run(); err != nil {
			d.logger.Warn("remove orphan %s: %v", name, err)
			continue
		}
		d.logger.Info("removed orphan container %s", name)
	}
	return nil
}

// EnsureRuntimeRunning verifies the container runtime daemon is reachable.
func (d *CLIDriver) EnsureRuntimeRunning(ctx context.Context) error {
	if err := exec.CommandContext(ctx, d.runtime, "info").Run(); err != nil {
		return fmt.Errorf("container runtime %s is not available: %w", d.runtime, err)
	}
	return nil
}
