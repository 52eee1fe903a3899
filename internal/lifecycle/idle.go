// Package lifecycle implements the idle supervisor: it tracks the last
// authenticated activity and replaces the process image with a fresh
// invocation after a configured idle threshold, asking the browser to
// reconnect first.
package lifecycle

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

const pollInterval = 10 * time.Second

const reconnectGrace = 3 * time.Second

// Notifier sends the planned-restart command to the browser.
type Notifier interface {
	SendCommand(command string) error
}

// Supervisor watches the idle clock and performs the restart.
type Supervisor struct {
	mu           sync.Mutex
	lastActivity time.Time

	notifier Notifier
	enabled  bool
	timeout  time.Duration

	// restart is swappable for tests; the default re-execs the binary.
	restart func()
}

// NewSupervisor builds a supervisor. A timeoutSeconds of -1 disables the
// check even when enabled is true.
func NewSupervisor(notifier Notifier, enabled bool, timeoutSeconds int) *Supervisor {
	s := &Supervisor{
		lastActivity: time.Now(),
		notifier:     notifier,
		enabled:      enabled && timeoutSeconds != -1,
		timeout:      time.Duration(timeoutSeconds) * time.Second,
	}
	s.restart = s.execSelf
	return s
}

// Touch records an authenticated call.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor returns the time since the last activity.
func (s *Supervisor) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Start runs the poll loop until the context is canceled.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.enabled || s.timeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		log.Info("idle monitor started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if idle := s.IdleFor(); idle > s.timeout {
					log.Warnf("server idle time (%.0fs) exceeded the threshold (%.0fs), restarting",
						idle.Seconds(), s.timeout.Seconds())
					s.performRestart()
					return
				}
			}
		}
	}()
}

// performRestart tells the browser this is a planned restart, waits a grace
// period for the message to flush, then replaces the process image.
func (s *Supervisor) performRestart() {
	if s.notifier != nil {
		if err := s.notifier.SendCommand("reconnect"); err != nil {
			log.Errorf("failed to send reconnect command: %v", err)
		} else {
			log.Info("reconnect command sent to the browser")
		}
	}
	time.Sleep(reconnectGrace)
	s.restart()
}

// execSelf replaces the current process with a fresh invocation of the same
// binary and arguments. In-flight requests are intentionally not preserved.
func (s *Supervisor) execSelf() {
	executable, err := os.Executable()
	if err != nil {
		log.Fatalf("failed to resolve executable for restart: %v", err)
	}
	log.Info("restarting the server...")
	if err = syscall.Exec(executable, os.Args, os.Environ()); err != nil {
		log.Fatalf("failed to restart the server: %v", err)
	}
}
