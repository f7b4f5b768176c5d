package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Prompt reads a secret from the operator.
type Prompt func(label string) (string, error)

// TerminalPrompt reads without echo from stdin, writing the label to stderr.
func TerminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

var errNoTerminal = errors.New("no terminal available")

// Source resolves the signing keystore passphrase from an environment
// variable, falling back to an interactive prompt. The first result, success
// or failure, is cached.
type Source struct {
	envVar string
	prompt Prompt

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting on the
// terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: TerminalPrompt}
}

// WithPrompt replaces the interactive prompt.
func (s *Source) WithPrompt(prompt Prompt) *Source {
	if prompt != nil {
		s.prompt = prompt
	}
	return s
}

// Func adapts the source to a plain resolver function.
func (s *Source) Func() func() (string, error) {
	return s.Get
}

// Get returns the passphrase. Whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	value, err := s.prompt("Enter loansyncd signing keystore passphrase: ")
	if errors.Is(err, errNoTerminal) {
		if s.envVar != "" {
			return "", fmt.Errorf("signing keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("signing keystore passphrase required and no terminal available")
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New("signing keystore passphrase cannot be empty")
	}
	return value, nil
}
