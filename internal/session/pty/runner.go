// Package pty runs an agent process attached to a pseudo-terminal and streams
// its output to replaceable callbacks.
package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	creackpty "github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
)

// Config describes the process to run.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Cols    uint16
	Rows    uint16
}

// DataFunc receives raw PTY output chunks. The slice is owned by the callee.
type DataFunc func(data []byte)

// ExitFunc receives the process exit code once the process terminates.
type ExitFunc func(code int)

// Runner owns a single PTY-attached process. Output and exit callbacks can be
// swapped while the process runs, so a consumer (a WebSocket connection) can
// attach and detach without restarting the agent.
type Runner struct {
	logger *logger.Logger

	mu      sync.RWMutex
	pty     *os.File
	cmd     *exec.Cmd
	running bool
	killed  bool

	cbMu   sync.RWMutex
	onData DataFunc
	onExit ExitFunc

	doneCh chan struct{}
}

// Start spawns the command under a PTY and begins the read loop.
func Start(cfg Config, log *logger.Logger) (*Runner, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pty: empty command")
	}
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: cfg.Cols,
		Rows: cfg.Rows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	r := &Runner{
		logger:  log.WithFields(zap.String("component", "pty")),
		pty:     ptmx,
		cmd:     cmd,
		running: true,
		doneCh:  make(chan struct{}),
	}

	r.logger.Info("agent process started",
		zap.String("command", cfg.Command),
		zap.String("dir", cfg.Dir),
		zap.Int("pid", cmd.Process.Pid))

	go r.readOutput()
	go r.waitForExit()

	return r, nil
}

// Pid returns the process id of the running command.
func (r *Runner) Pid() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cmd != nil && r.cmd.Process != nil {
		return r.cmd.Process.Pid
	}
	return 0
}

// Running reports whether the process is still alive.
func (r *Runner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// SetOnData replaces the output callback. A nil callback detaches.
func (r *Runner) SetOnData(fn DataFunc) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onData = fn
}

// SetOnExit replaces the exit callback. A nil callback detaches.
func (r *Runner) SetOnExit(fn ExitFunc) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onExit = fn
}

// Write sends input bytes to the process. Empty input is a no-op.
func (r *Runner) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.running || r.pty == nil {
		return fmt.Errorf("process not running")
	}
	_, err := r.pty.Write(data)
	return err
}

// Resize changes the PTY window size.
func (r *Runner) Resize(cols, rows uint16) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.running || r.pty == nil {
		return fmt.Errorf("process not running")
	}
	return creackpty.Setsize(r.pty, &creackpty.Winsize{Cols: cols, Rows: rows})
}

// Kill terminates the process. Closing the PTY sends SIGHUP; if the process
// is still alive after a grace period it is killed outright. Safe to call
// more than once.
func (r *Runner) Kill() error {
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		return nil
	}
	r.killed = true
	ptmx := r.pty
	r.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}

	select {
	case <-r.doneCh:
	case <-time.After(5 * time.Second):
		r.logger.Warn("process did not exit after PTY close, killing")
		r.mu.RLock()
		cmd := r.cmd
		r.mu.RUnlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-r.doneCh
	}
	return nil
}

// Wait blocks until the process has exited.
func (r *Runner) Wait() {
	<-r.doneCh
}

func (r *Runner) readOutput() {
	buf := make([]byte, 4096)

	for {
		n, err := r.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			r.cbMu.RLock()
			fn := r.onData
			r.cbMu.RUnlock()
			if fn != nil {
				fn(data)
			}
		}
		if err != nil {
			// EIO is the normal read result once the child side closes.
			if err != io.EOF {
				r.logger.Debug("pty read ended", zap.Error(err))
			}
			return
		}
	}
}

func (r *Runner) waitForExit() {
	err := r.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	r.mu.Lock()
	r.running = false
	if r.pty != nil {
		_ = r.pty.Close()
	}
	r.mu.Unlock()

	close(r.doneCh)

	r.logger.Info("agent process exited", zap.Int("code", code))

	r.cbMu.RLock()
	fn := r.onExit
	r.cbMu.RUnlock()
	if fn != nil {
		fn(code)
	}
}
