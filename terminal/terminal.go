package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/agentcore/invoke"
)

const maxLineBytes = 1 << 20

// Invoker opens one filtered event stream per payload.
type Invoker interface {
	Invoke(ctx context.Context, payload invoke.Payload) *invoke.Stream
}

// Terminal reads payloads line by line and writes each forwarded event as a
// JSON line.
type Terminal struct {
	invoker Invoker
	in      io.Reader
	out     io.Writer
	prompt  string
}

type Option func(*Terminal)

// WithPrompt prints p before every read. Leave it unset when the output is
// consumed by another program.
func WithPrompt(p string) Option {
	return func(t *Terminal) { t.prompt = p }
}

// New creates a new Terminal instance
func New(inv Invoker, in io.Reader, out io.Writer, opts ...Option) *Terminal {
	t := &Terminal{
		invoker: inv,
		in:      in,
		out:     out,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run processes initialPrompt, if any, and then every input line until EOF,
// an exit command or the end of ctx. Per-line failures are reported and the
// loop continues. A cancelled ctx returns ctx.Err() even while a read is
// pending.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.Once(ctx, initialPrompt); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines, readErr := scanLines(ctx, t.in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.prompt != "" {
			fmt.Fprint(t.out, t.prompt)
		}

		var (
			raw string
			ok  bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok = <-lines:
		}
		if !ok {
			return <-readErr
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		if err := t.Once(ctx, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}
}

// scanLines reads in on its own goroutine. The error channel receives the
// scanner's error once lines is closed at EOF. The goroutine stops handing
// out lines when ctx ends but can stay blocked in a read until in returns.
func scanLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()
	return lines, readErr
}

// Once runs a single invocation for one input line.
func (t *Terminal) Once(ctx context.Context, line string) error {
	payload, err := parseLine(line)
	if err != nil {
		return err
	}

	stream := t.invoker.Invoke(ctx, payload)
	defer stream.Close()

	enc := json.NewEncoder(t.out)
	enc.SetEscapeHTML(false)
	for stream.Next() {
		if err := enc.Encode(stream.Event()); err != nil {
			return err
		}
	}
	return stream.Err()
}

// parseLine treats a line starting with "{" as a JSON payload and anything
// else as a bare prompt.
func parseLine(line string) (invoke.Payload, error) {
	if strings.HasPrefix(line, "{") {
		return invoke.DecodePayload([]byte(line))
	}
	return invoke.Payload{"prompt": line}, nil
}
