package human

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"golang.org/x/term"
)

// LineReader presents a prompt and blocks for one line of input. The
// returned line excludes its terminator.
//
// A reader is shared by everything that talks to the same human (the REPL
// and ask_user) so buffered input is never split between two readers.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// ErrAborted is returned when the human cancels the prompt (Ctrl-C).
var ErrAborted = errors.New("prompt aborted")

// Console reads lines from any reader, e.g. piped stdin.
type Console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewConsole creates a Console reading from in and prompting on out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// ReadLine writes prompt and reads up to the next newline. Input that ends
// without a newline is returned as the final line; io.EOF is returned only
// when nothing was read.
func (c *Console) ReadLine(prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prompt != "" {
		if _, err := io.WriteString(c.out, prompt); err != nil {
			return "", err
		}
	}
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// Terminal reads lines with editing and history on an interactive TTY.
type Terminal struct {
	mu    sync.Mutex
	state *liner.State
	out   io.Writer
}

// NewTerminal takes over the controlling terminal. Call Close to restore it.
func NewTerminal(out io.Writer) *Terminal {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	return &Terminal{state: state, out: out}
}

// ReadLine prints any leading lines of prompt as-is and edits the last one.
func (t *Terminal) ReadLine(prompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		fmt.Fprint(t.out, prompt[:i+1])
		prompt = prompt[i+1:]
	}
	line, err := t.state.Prompt(prompt)
	if err != nil {
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", ErrAborted
		}
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		t.state.AppendHistory(line)
	}
	return line, nil
}

// Close restores the terminal mode.
func (t *Terminal) Close() error {
	return t.state.Close()
}

// Stdio returns a Terminal when stdin and stdout are both TTYs and a
// Console otherwise. The returned closer restores the terminal.
func Stdio() (LineReader, func()) {
	if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		t := NewTerminal(os.Stdout)
		return t, func() { _ = t.Close() }
	}
	return NewConsole(os.Stdin, os.Stdout), func() {}
}
