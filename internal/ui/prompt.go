package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// ErrNoInput is returned when a prompt receives nothing.
var ErrNoInput = errors.New("no input")

// IsInteractive reports whether stdin and stdout are terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// PromptCredential asks for the scanned login code. On a terminal it shows a
// masked huh input; otherwise it reads one line from in.
func PromptCredential(in io.Reader) (string, error) {
	if !IsInteractive() {
		return readLine(in)
	}

	var code string
	err := huh.NewInput().
		Title("Login code").
		Description("Paste the scanned QR payload or the code on your onboarding card").
		EchoMode(huh.EchoModePassword).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return ErrNoInput
			}
			return nil
		}).
		Value(&code).
		Run()
	if err != nil {
		return "", fmt.Errorf("failed to read login code: %w", err)
	}
	return strings.TrimSpace(code), nil
}

// Confirm asks a yes/no question. Without a terminal the answer is def.
func Confirm(title string, def bool) (bool, error) {
	if !IsInteractive() {
		return def, nil
	}
	answer := def
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&answer).
		Run()
	if err != nil {
		return false, err
	}
	return answer, nil
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read login code: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ErrNoInput
	}
	return line, nil
}
