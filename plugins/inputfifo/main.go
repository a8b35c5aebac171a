// Command inputfifo is an external plugin that reads keys from a FIFO or a
// line device, one key per line, and reports each one as a raw event.
//
// Card readers that type a code followed by Enter can be pointed at the
// plugin through a small udev or socat bridge writing into the FIFO.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plapperkasten/internal/event"
	"github.com/mattjoyce/plapperkasten/internal/protocol"
)

const defaultRepeatDelay = time.Second

type options struct {
	path   string
	repeat time.Duration
}

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "inputfifo",
		Short:         "Report keys read from a FIFO as raw events",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, stdin, stdout)
		},
	}
	cmd.Flags().StringVar(&opts.path, "path", "", "FIFO or line device to read keys from")
	cmd.Flags().DurationVar(&opts.repeat, "repeat-delay", defaultRepeatDelay, "ignore the same key repeated within this delay")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

// run reports keys until the supervisor sends terminate, closes stdin, or
// ctx is cancelled.
func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	rep := newReporter(stdout, opts.repeat)

	// O_RDWR keeps a FIFO open when the last writer goes away.
	f, err := os.OpenFile(opts.path, os.O_RDWR, 0)
	if err != nil {
		rep.log("error", fmt.Sprintf("open %s: %v", opts.path, err))
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	rep.log("info", "reading keys from "+opts.path)

	stop := watchSupervisor(stdin)
	readErr := make(chan error, 1)
	go func() { readErr <- scanKeys(f, rep) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case err := <-readErr:
			if err != nil {
				rep.log("error", fmt.Sprintf("read %s: %v", opts.path, err))
				return err
			}
			rep.log("warn", "input closed, waiting for terminate")
			readErr = nil
		}
	}
}

// scanKeys reports every non-blank line of r. It returns nil at EOF.
func scanKeys(r io.Reader, rep *reporter) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key := strings.TrimSpace(sc.Text())
		if key == "" {
			continue
		}
		if err := rep.key(key); err != nil {
			return err
		}
	}
	return sc.Err()
}

// watchSupervisor returns a channel that is closed once terminate arrives or
// stdin reaches EOF.
func watchSupervisor(stdin io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		dec := protocol.NewDecoder(stdin)
		for {
			msg, err := dec.Decode()
			if errors.Is(err, protocol.ErrMalformed) {
				continue
			}
			if err != nil {
				return
			}
			if msg.Type == protocol.TypeEvent && msg.Event.Name == event.Terminate {
				return
			}
		}
	}()
	return done
}

// reporter writes protocol messages to the supervisor.
type reporter struct {
	mu     sync.Mutex
	out    io.Writer
	repeat time.Duration
	now    func() time.Time

	last   string
	lastAt time.Time
}

func newReporter(out io.Writer, repeat time.Duration) *reporter {
	return &reporter{out: out, repeat: repeat, now: time.Now}
}

// key reports k as a raw event unless it repeats the previous key within the
// repeat delay.
func (r *reporter) key(k string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if k == r.last && r.repeat > 0 && now.Sub(r.lastAt) < r.repeat {
		return nil
	}
	r.last, r.lastAt = k, now
	return protocol.Encode(r.out, protocol.NewEvent(event.New(event.Raw, []string{k}, nil)))
}

func (r *reporter) log(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = protocol.Encode(r.out, &protocol.Message{Type: protocol.TypeLog, Level: level, Message: msg})
}
