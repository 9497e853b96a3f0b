package pty

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentconsole/agent-console/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestRunnerCapturesOutputAndExit(t *testing.T) {
	var mu sync.Mutex
	var output strings.Builder
	exitCh := make(chan int, 1)

	r, err := Start(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hello-runner"},
	}, testLogger(t))
	if err != nil {
		t.Fatalf("failed to start runner: %v", err)
	}
	r.SetOnData(func(data []byte) {
		mu.Lock()
		output.Write(data)
		mu.Unlock()
	})
	r.SetOnExit(func(code int) { exitCh <- code })

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Errorf("expected exit code 0, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	mu.Lock()
	got := output.String()
	mu.Unlock()
	if !strings.Contains(got, "hello-runner") {
		t.Errorf("expected output to contain hello-runner, got %q", got)
	}
	if r.Running() {
		t.Error("runner still reports running after exit")
	}
}

func TestRunnerReportsNonZeroExit(t *testing.T) {
	exitCh := make(chan int, 1)

	r, err := Start(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	}, testLogger(t))
	if err != nil {
		t.Fatalf("failed to start runner: %v", err)
	}
	r.SetOnExit(func(code int) { exitCh <- code })

	select {
	case code := <-exitCh:
		if code != 3 {
			t.Errorf("expected exit code 3, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestRunnerWriteReachesProcess(t *testing.T) {
	var mu sync.Mutex
	var output strings.Builder

	r, err := Start(Config{Command: "/bin/cat"}, testLogger(t))
	if err != nil {
		t.Fatalf("failed to start runner: %v", err)
	}
	defer func() { _ = r.Kill() }()

	r.SetOnData(func(data []byte) {
		mu.Lock()
		output.Write(data)
		mu.Unlock()
	})

	if err := r.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		got := output.String()
		mu.Unlock()
		if strings.Contains(got, "ping") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("echo never arrived, got %q", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRunnerEmptyWriteIsNoop(t *testing.T) {
	r, err := Start(Config{Command: "/bin/cat"}, testLogger(t))
	if err != nil {
		t.Fatalf("failed to start runner: %v", err)
	}
	defer func() { _ = r.Kill() }()

	if err := r.Write(nil); err != nil {
		t.Errorf("empty write must not error: %v", err)
	}
}

func TestRunnerKillIsIdempotent(t *testing.T) {
	r, err := Start(Config{Command: "/bin/cat"}, testLogger(t))
	if err != nil {
		t.Fatalf("failed to start runner: %v", err)
	}

	if err := r.Kill(); err != nil {
		t.Fatalf("first kill failed: %v", err)
	}
	if err := r.Kill(); err != nil {
		t.Fatalf("second kill failed: %v", err)
	}
	if r.Running() {
		t.Error("runner still reports running after kill")
	}
}

func TestRunnerResize(t *testing.T) {
	r, err := Start(Config{Command: "/bin/cat", Cols: 80, Rows: 24}, testLogger(t))
	if err != nil {
		t.Fatalf("failed to start runner: %v", err)
	}
	defer func() { _ = r.Kill() }()

	if err := r.Resize(120, 40); err != nil {
		t.Errorf("resize failed: %v", err)
	}
}

func TestRunnerRejectsEmptyCommand(t *testing.T) {
	if _, err := Start(Config{}, testLogger(t)); err == nil {
		t.Fatal("expected error for empty command")
	}
}
