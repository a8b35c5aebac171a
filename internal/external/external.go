// Package external hosts a subprocess plugin behind the worker runtime.
//
// The subprocess receives the events it subscribed to as JSON lines on stdin
// and writes events, log lines and busy/idle notifications to stdout. Its
// stderr is logged.
package external

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/plugin"
	"github.com/mattjoyce/plapperkasten/internal/protocol"
)

const (
	// maxStderrLine caps a single logged stderr line.
	maxStderrLine = 64 * 1024

	// DefaultGrace is how long we wait after closing stdin, and again after
	// SIGTERM, before escalating.
	DefaultGrace = 5 * time.Second

	messageBuffer = 64
)

// Plugin adapts an external plugin to plugin.Plugin.
type Plugin struct {
	ext *plugin.External
	// Grace overrides DefaultGrace when positive.
	Grace time.Duration

	worker *plugin.Worker
	logger *slog.Logger
	env    []string

	cmd      *exec.Cmd
	stdinMu  sync.Mutex
	stdin    io.WriteCloser
	messages chan *protocol.Message
	exited   chan error

	terminateSent atomic.Bool
}

var (
	_ plugin.Plugin       = (*Plugin)(nil)
	_ plugin.BeforeRunner = (*Plugin)(nil)
	_ plugin.Ticker       = (*Plugin)(nil)
	_ plugin.AfterRunner  = (*Plugin)(nil)
)

// New returns the bridge for a discovered external plugin.
func New(ext *plugin.External) *Plugin {
	return &Plugin{ext: ext, Grace: DefaultGrace}
}

// Init subscribes to the manifest's events.
func (p *Plugin) Init(w *plugin.Worker, cfg *config.Config) error {
	p.worker = w
	p.logger = w.Logger().With("entrypoint", p.ext.Entrypoint)
	if p.ext.TickInterval > 0 {
		w.SetTickInterval(p.ext.TickInterval)
	}

	p.env = append(os.Environ(), "PLAPPERKASTEN_PLUGIN="+w.Name())
	if cfg != nil {
		p.env = append(p.env, "PLAPPERKASTEN_DIR="+config.ExpandPath(cfg.GetStr("core.paths.user_directory", "")))
	}

	for _, name := range p.ext.Events {
		if err := w.RegisterFor(name, p.forward); err != nil {
			return err
		}
	}
	return nil
}

// BeforeRun spawns the subprocess.
func (p *Plugin) BeforeRun() error {
	cmd := exec.Command(p.ext.Entrypoint, p.ext.Args...)
	cmd.Dir = p.ext.Path
	cmd.Env = p.env
	// Own process group so the whole tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	p.logger.Debug("spawning plugin", "args", p.ext.Args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	p.cmd = cmd
	p.stdin = stdin
	p.messages = make(chan *protocol.Message, messageBuffer)
	p.exited = make(chan error, 1)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	// Wait must not be called before the pipes are drained.
	go func() {
		readers.Wait()
		p.exited <- cmd.Wait()
	}()
	return nil
}

// Tick relays what the subprocess wrote since the last tick.
func (p *Plugin) Tick() {
	for {
		select {
		case msg, ok := <-p.messages:
			if !ok {
				p.messages = nil
				if !p.worker.Terminating() {
					p.logger.Error("plugin process closed its output, stopping")
					p.worker.Terminate()
				}
				return
			}
			p.relay(msg)
		default:
			return
		}
	}
}

// AfterRun asks the subprocess to stop and escalates to signals if it does
// not exit in time.
func (p *Plugin) AfterRun() {
	if p.cmd == nil {
		return
	}
	if p.terminateSent.CompareAndSwap(false, true) {
		p.write(event.New(event.Terminate, nil, nil))
	}
	p.stdinMu.Lock()
	_ = p.stdin.Close()
	p.stdinMu.Unlock()

	err := p.waitExit()
	for p.messages != nil {
		msg, ok := <-p.messages
		if !ok {
			break
		}
		p.relay(msg)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.logger.Debug("plugin process exited")
	case errors.As(err, &exitErr):
		p.logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
	default:
		p.logger.Error("wait for process", "error", err)
	}
}

func (p *Plugin) grace() time.Duration {
	if p.Grace > 0 {
		return p.Grace
	}
	return DefaultGrace
}

// waitExit relays output until the process exits, escalating to SIGTERM and
// then SIGKILL after each grace period.
func (p *Plugin) waitExit() error {
	grace := time.NewTimer(p.grace())
	defer grace.Stop()

	escalated := 0
	for {
		select {
		case err := <-p.exited:
			if escalated == 1 {
				p.logger.Info("plugin exited after SIGTERM")
			}
			return err
		case msg, ok := <-p.messages:
			if !ok {
				p.messages = nil
				continue
			}
			p.relay(msg)
		case <-grace.C:
			switch escalated {
			case 0:
				p.logger.Warn("plugin did not exit after terminate, sending SIGTERM")
				if err := p.signal(syscall.SIGTERM); err != nil {
					p.logger.Error("failed to send SIGTERM", "error", err)
				}
				grace.Reset(p.grace())
			case 1:
				p.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
				if err := p.signal(syscall.SIGKILL); err != nil {
					p.logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			escalated++
		}
	}
}

func (p *Plugin) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *Plugin) forward(ev event.Event) {
	if ev.Name == event.Terminate && !p.terminateSent.CompareAndSwap(false, true) {
		return
	}
	p.write(ev)
}

func (p *Plugin) write(ev event.Event) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return
	}
	if err := protocol.Encode(p.stdin, protocol.NewEvent(ev)); err != nil {
		p.logger.Error("failed to forward event", "event", ev.Name, "event_id", ev.ID, "error", err)
	}
}

func (p *Plugin) relay(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeEvent:
		p.worker.SendToMain(msg.Event.Name, msg.Event.Values, msg.Event.Params)
	case protocol.TypeBusy:
		p.worker.SendBusy()
	case protocol.TypeIdle:
		p.worker.SendIdle()
	case protocol.TypeLog:
		p.logger.Log(context.Background(), levelOf(msg.Level), msg.Message)
	}
}

func (p *Plugin) readStdout(r io.Reader) {
	defer close(p.messages)
	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return
		}
		if errors.Is(err, protocol.ErrMalformed) {
			p.logger.Error("bad message from plugin", "error", err)
			continue
		}
		if err != nil {
			p.logger.Error("reading plugin output", "error", err)
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
		p.messages <- msg
	}
}

func (p *Plugin) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for sc.Scan() {
		p.logger.Warn("plugin stderr", "line", sc.Text())
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func levelOf(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
