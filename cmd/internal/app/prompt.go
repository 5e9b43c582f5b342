package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when a password is needed but stdin cannot prompt.
var ErrNoTerminal = errors.New("stdin is not a terminal; set CONCIERGE_PASSWORD")

// terminalPassword reads a masked password from the controlling terminal.
// Stdin stays unbuffered so the console can read chat input afterwards.
func terminalPassword(in *os.File, out io.Writer) PasswordFunc {
	return func(prompt string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", ErrNoTerminal
		}

		_, _ = fmt.Fprint(out, prompt)
		b, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", err
		}

		p := strings.TrimSpace(string(b))
		if p == "" {
			return "", errors.New("password cannot be empty")
		}
		return p, nil
	}
}
