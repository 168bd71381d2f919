// Package prompt collects operator input for sign-in challenges and passwords.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrCanceled is returned when the operator aborts the prompt or input ends.
var ErrCanceled = errors.New("prompt: canceled")

// Provider asks label and returns the operator's answer. It has the same shape as
// challenge.InputProvider.
type Provider func(ctx context.Context, label string) (string, error)

// Line returns a Provider that prints label to w and reads one line from r. It is meant
// for piped or otherwise non-interactive input.
func Line(r io.Reader, w io.Writer) Provider {
	lr := &lineReader{r: bufio.NewReader(r)}
	return func(ctx context.Context, label string) (string, error) {
		if _, err := fmt.Fprintf(w, "%s ", strings.TrimSpace(label)); err != nil {
			return "", err
		}
		return lr.read(ctx)
	}
}

type lineReader struct {
	mu sync.Mutex
	r  *bufio.Reader
}

type lineResult struct {
	line string
	err  error
}

// read returns the next line or, if ctx ends first, the ctx error. A read abandoned on
// cancellation finishes in the background and its line is dropped.
func (l *lineReader) read(ctx context.Context) (string, error) {
	done := make(chan lineResult, 1)
	go func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		line, err := l.r.ReadString('\n')
		done <- lineResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		line := strings.TrimRight(res.line, "\r\n")
		if res.err != nil {
			if errors.Is(res.err, io.EOF) && line != "" {
				return strings.TrimSpace(line), nil
			}
			if errors.Is(res.err, io.EOF) {
				return "", ErrCanceled
			}
			return "", res.err
		}
		return strings.TrimSpace(line), nil
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Console prompts on one input stream. On a TTY questions use the bubbletea field;
// otherwise every read shares a single line buffer, so answers piped in sequence reach
// the prompts in order.
type Console struct {
	in   *os.File
	out  io.Writer
	tty  bool
	ask  Provider
	line Provider
}

// NewConsole binds a Console to in and out.
func NewConsole(in *os.File, out io.Writer) *Console {
	c := &Console{in: in, out: out, tty: IsTerminal(in), line: Line(in, out)}
	c.ask = c.line
	if c.tty {
		c.ask = Terminal(in, out)
	}
	return c
}

// Ask reads a visible answer.
func (c *Console) Ask(ctx context.Context, label string) (string, error) {
	return c.ask(ctx, label)
}

// Secret is Ask with masked echo on a TTY.
func (c *Console) Secret(ctx context.Context, label string) (string, error) {
	if c.tty {
		return runInput(ctx, c.in, c.out, label, true)
	}
	return c.line(ctx, label)
}
