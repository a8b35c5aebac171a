// Package system performs side effects on the host.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattjoyce/plapperkasten/internal/log"
)

// Runner executes a command. It exists so tests can observe invocations.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec runs name through os/exec and returns its combined output.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Shutdown powers the machine off through sudo shutdown -P.
type Shutdown struct {
	run    Runner
	logger *slog.Logger
}

// NewShutdown returns a Shutdown using run, or os/exec when run is nil.
func NewShutdown(run Runner) *Shutdown {
	if run == nil {
		run = Exec
	}
	return &Shutdown{run: run, logger: log.WithComponent("system")}
}

// Poweroff schedules a power off in minutes minutes.
func (s *Shutdown) Poweroff(ctx context.Context, minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("shutdown delay must not be negative, got %d", minutes)
	}
	args := []string{"shutdown", "-P", strconv.Itoa(minutes)}
	s.logger.Info("powering off", "command", "sudo "+strings.Join(args, " "))
	out, err := s.run(ctx, "sudo", args...)
	if err != nil {
		return fmt.Errorf("sudo shutdown: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
