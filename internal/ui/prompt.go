package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/nace/volmon/internal/prompt"
	"github.com/nace/volmon/internal/secret"
)

// Terminal asks for passphrases on the controlling terminal. Its Ask
// method is a prompt.AskFunc.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	fd  int

	// readPassword reads without echo; nil reads a plain line, as for
	// --password-stdin
	readPassword func(fd int) ([]byte, error)
	// restore puts the terminal back to its state before the prompt
	restore func() error

	// Save is the policy used when AskSave is false.
	Save secret.SavePolicy
	// AskSave offers the save choice when the requester supports it.
	AskSave bool
}

// NewTerminal prompts on stdin/stderr. With fromStdin the passphrase is
// read as one line of stdin, for automation.
func NewTerminal(fromStdin bool, save secret.SavePolicy, askSave bool) *Terminal {
	t := &Terminal{
		in:      bufio.NewReader(os.Stdin),
		out:     os.Stderr,
		fd:      int(os.Stdin.Fd()),
		Save:    save,
		AskSave: askSave && !fromStdin,
	}
	if !fromStdin && term.IsTerminal(t.fd) {
		t.readPassword = term.ReadPassword
		if state, err := term.GetState(t.fd); err == nil {
			t.restore = func() error { return term.Restore(t.fd, state) }
		}
	}
	return t
}

// newTerminalFrom is NewTerminal over arbitrary streams.
func newTerminalFrom(in io.Reader, out io.Writer, readPassword func(int) ([]byte, error)) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, readPassword: readPassword}
}

// Ask shows message and reads a passphrase. It replies Aborted on an empty
// answer, end of input, or when ctx is done first.
func (t *Terminal) Ask(ctx context.Context, message string, flags prompt.Flags) prompt.Reply {
	type answer struct {
		pass []byte
		save secret.SavePolicy
		err  error
	}
	ch := make(chan answer, 1)

	go func() {
		title, body, _ := strings.Cut(message, "\n")
		fmt.Fprintln(t.out, title)
		if body != "" {
			fmt.Fprintln(t.out, body)
		}

		pass, err := t.readSecret("Passphrase: ")
		if err != nil || len(pass) == 0 {
			ch <- answer{err: err}
			return
		}
		save := t.Save
		if t.AskSave && flags.Has(prompt.SavingSupported) {
			save = t.askSavePolicy()
		}
		ch <- answer{pass: pass, save: save}
	}()

	select {
	case <-ctx.Done():
		// the reader stays blocked with echo off until the next line
		if t.restore != nil {
			if err := t.restore(); err != nil {
				fmt.Fprintf(t.out, "failed to restore terminal: %v\n", err)
			}
		}
		return prompt.Reply{Result: prompt.Aborted}
	case a := <-ch:
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			fmt.Fprintf(t.out, "failed to read passphrase: %v\n", a.err)
		}
		if len(a.pass) == 0 {
			return prompt.Reply{Result: prompt.Aborted}
		}
		return prompt.Reply{Result: prompt.Handled, Secret: secret.New(a.pass, a.save)}
	}
}

func (t *Terminal) readSecret(label string) ([]byte, error) {
	fmt.Fprint(t.out, label)
	if t.readPassword != nil {
		pass, err := t.readPassword(t.fd)
		fmt.Fprintln(t.out) // New line after password input
		return pass, err
	}
	line, err := t.in.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(line), nil
}

func (t *Terminal) askSavePolicy() secret.SavePolicy {
	fmt.Fprint(t.out, "Remember passphrase? [n]ever, for this [s]ession, [p]ermanently [n]: ")
	input, _ := t.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "s", "session":
		return secret.SaveSession
	case "p", "permanent", "permanently":
		return secret.SavePermanent
	}
	return secret.SaveNever
}

// PromptConfirm prompts for yes/no confirmation
func PromptConfirm(prompt string) bool {
	return confirm(bufio.NewReader(os.Stdin), os.Stderr, prompt)
}

func confirm(in *bufio.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	input, _ := in.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "y" || input == "yes"
}
