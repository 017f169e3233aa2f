// Package runtime supervises the local Ollama server process. The server is
// only spawned when it is not already reachable, and only a server we
// spawned ourselves is ever stopped.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Yaoaoin/snlite/internal/logger"
)

const (
	healthTimeout   = 2 * time.Second
	startupDeadline = 10 * time.Second
	startupPoll     = 250 * time.Millisecond
	stopGrace       = 5 * time.Second
)

// OllamaSupervisor starts and stops a local `ollama serve` process.
type OllamaSupervisor struct {
	baseURL string
	log     *log.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	spawned bool
}

// NewOllamaSupervisor creates a supervisor for the server at baseURL.
func NewOllamaSupervisor(baseURL string) *OllamaSupervisor {
	return &OllamaSupervisor{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     logger.NewStyledLogger("Runtime"),
	}
}

// Healthy reports whether the server answers its version endpoint.
func (s *OllamaSupervisor) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// EnsureRunning spawns `ollama serve` when the server is unreachable and
// waits for it to come up. A server that was already running is left alone
// and will not be stopped later.
func (s *OllamaSupervisor) EnsureRunning(ctx context.Context) error {
	if s.Healthy(ctx) {
		s.log.Debug("Ollama already running", "base_url", s.baseURL)
		return nil
	}

	path, err := exec.LookPath("ollama")
	if err != nil {
		return fmt.Errorf("ollama binary not found in PATH: %w", err)
	}

	cmd := exec.Command(path, "serve")
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ollama serve: %w", err)
	}
	s.log.Info("Started ollama serve", "pid", cmd.Process.Pid)

	s.mu.Lock()
	s.cmd = cmd
	s.spawned = true
	s.mu.Unlock()

	// Reap the child whenever it exits.
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(startupDeadline)
	for time.Now().Before(deadline) {
		if s.Healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupPoll):
		}
	}
	return fmt.Errorf("ollama did not become healthy within %s", startupDeadline)
}

// Stop terminates the spawned server, if any. SIGTERM first, SIGKILL to the
// process group after the grace period.
func (s *OllamaSupervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	spawned := s.spawned
	s.cmd = nil
	s.spawned = false
	s.mu.Unlock()

	if !spawned || cmd == nil || cmd.Process == nil {
		return
	}

	pgid := cmd.Process.Pid
	s.log.Info("Stopping ollama serve", "pid", pgid)
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		// Wait already runs in the reaper goroutine; poll the signal result
		// instead of calling Wait twice.
		for {
			if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		s.log.Warn("Ollama did not exit, killing process group", "pid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
