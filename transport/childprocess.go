package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/kbrennan/mcpcore/logger"
)

// ChildProcessConfig configures a ChildProcessTransport, per spec §4.1.
type ChildProcessConfig struct {
	Command        string
	Args           []string
	RequestTimeout time.Duration // default 5s; deadline of the ctx handed to each Send
	AutoRestart    bool
	MaxRestarts    int
	ShutdownGrace  time.Duration // default 3s before SIGKILL
}

// ChildProcessTransport spawns a child process, pipes its stdin/stdout, and
// speaks newline-delimited JSON over them (delegating framing to
// StdioTransport), with graceful-then-forceful shutdown and optional capped
// auto-restart on unexpected exit. RequestTimeout only sets the deadline of
// the context passed to StdioTransport.Send, whose pipe write does not
// observe it; no deadline is tracked for the child's reply.
type ChildProcessTransport struct {
	mu       sync.Mutex
	cfg      ChildProcessConfig
	cmd      *exec.Cmd
	stdio    *StdioTransport
	sm       *StateMachine
	c        *collector
	restarts int
	exited   chan struct{}
}

// NewChildProcessTransport builds a transport that will spawn cfg.Command
// on Connect.
func NewChildProcessTransport(cfg ChildProcessConfig) *ChildProcessTransport {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 3 * time.Second
	}
	return &ChildProcessTransport{
		cfg: cfg,
		sm:  NewStateMachine(),
		c:   newCollector("childprocess", cfg.Command),
	}
}

func (t *ChildProcessTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Connecting, ""); err != nil {
		return err
	}
	if err := t.spawnLocked(); err != nil {
		_ = t.sm.Transition(Failed, err.Error())
		return err
	}
	if err := t.sm.Transition(Connected, ""); err != nil {
		return err
	}
	t.c.connectionOpened()
	return nil
}

func (t *ChildProcessTransport) spawnLocked() error {
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("transport: child stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transport: child stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("transport: child stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transport: child start: %w", err)
	}

	go logChildStderr(stderr)

	t.cmd = cmd
	t.stdio = NewStdioTransport(stdout, stdin, stdin)
	t.exited = make(chan struct{})
	go t.watch()

	// StdioTransport starts in Disconnected; promote it immediately since
	// the pipes are already live.
	return t.stdio.Connect(context.Background())
}

func logChildStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logger.Debug("child process stderr: %s", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (t *ChildProcessTransport) watch() {
	err := t.cmd.Wait()
	close(t.exited)

	t.mu.Lock()
	alreadyDisconnecting := t.sm.Current() == Disconnecting || t.sm.Current() == Disconnected
	t.mu.Unlock()
	if alreadyDisconnecting {
		return
	}

	if err != nil {
		logger.Warning("child process exited unexpectedly: %v", err)
	}
	t.c.recordError()

	t.mu.Lock()
	_ = t.sm.Transition(Failed, "child process exited")
	shouldRestart := t.cfg.AutoRestart && t.restarts < t.cfg.MaxRestarts
	t.mu.Unlock()

	if !shouldRestart {
		return
	}

	t.mu.Lock()
	t.restarts++
	_ = t.sm.Transition(Disconnected, "")
	if err := t.sm.Transition(Connecting, ""); err == nil {
		if spawnErr := t.spawnLocked(); spawnErr == nil {
			_ = t.sm.Transition(Connected, "")
		} else {
			_ = t.sm.Transition(Failed, spawnErr.Error())
		}
	}
	t.mu.Unlock()
}

func (t *ChildProcessTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if err := t.sm.Transition(Disconnecting, ""); err != nil {
		t.mu.Unlock()
		return err
	}
	cmd := t.cmd
	stdio := t.stdio
	exited := t.exited
	t.mu.Unlock()

	if stdio != nil {
		_ = stdio.Disconnect(ctx)
	}

	// watch() already owns cmd.Wait and closes exited when the child ends;
	// a second Wait would return at once without waiting.
	if cmd != nil && cmd.Process != nil && exited != nil {
		select {
		case <-exited:
		case <-time.After(t.cfg.ShutdownGrace):
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Disconnected, ""); err != nil {
		return err
	}
	t.c.connectionClosed()
	return nil
}

func (t *ChildProcessTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	stdio := t.stdio
	t.mu.Unlock()
	if stdio == nil {
		return fmt.Errorf("transport: child process not connected")
	}
	sendCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	err := stdio.Send(sendCtx, msg)
	if err == nil {
		t.c.recordSend(msg.Size())
	}
	return err
}

func (t *ChildProcessTransport) Receive(ctx context.Context) (*Message, error) {
	t.mu.Lock()
	stdio := t.stdio
	t.mu.Unlock()
	if stdio == nil {
		return nil, nil
	}
	msg, err := stdio.Receive(ctx)
	if msg != nil {
		t.c.recordReceive(msg.Size())
	}
	return msg, err
}

func (t *ChildProcessTransport) State() State { return t.sm.Current() }

func (t *ChildProcessTransport) Metrics() Metrics { return t.c.snapshot() }

func (t *ChildProcessTransport) Capabilities() Capabilities {
	return Capabilities{Streaming: false, Bidirectional: true, MaxMessageSize: MaxMessageSize}
}

func (t *ChildProcessTransport) Endpoint() string { return t.cfg.Command }
