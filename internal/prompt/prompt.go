// Package prompt asks an operator questions on a terminal
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrNoAnswer is returned when the input is exhausted
var ErrNoAnswer = errors.New("no answer")

// Choice is one selectable answer
type Choice struct {
	Key         string
	Description string
}

// Prompter asks questions and returns the operator's answer
type Prompter interface {
	Choose(question string, choices []Choice, def string) (string, error)
	Confirm(question string, def bool) (bool, error)
}

// Terminal prompts on a line-oriented reader/writer pair
type Terminal struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminal creates a prompter reading answers from in
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// Choose prints the question with its choices and reads keys until one
// matches. An empty line selects def. Keys are case sensitive.
func (t *Terminal) Choose(question string, choices []Choice, def string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, len(choices))
	for i, c := range choices {
		keys[i] = c.Key
	}

	for {
		fmt.Fprintln(t.out, question)
		for _, c := range choices {
			fmt.Fprintf(t.out, "  %s - %s\n", c.Key, c.Description)
		}
		fmt.Fprintf(t.out, "[%s] (default %s): ", strings.Join(keys, "/"), def)

		line, err := t.readLine()
		if err != nil {
			return "", err
		}
		if line == "" {
			return def, nil
		}
		for _, k := range keys {
			if line == k {
				return k, nil
			}
		}
		fmt.Fprintf(t.out, "unrecognised answer %q\n", line)
	}
}

// Confirm asks a yes/no question
func (t *Terminal) Confirm(question string, def bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hint := "y/N"
	if def {
		hint = "Y/n"
	}

	for {
		fmt.Fprintf(t.out, "%s [%s]: ", question, hint)
		line, err := t.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintf(t.out, "please answer y or n\n")
	}
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", ErrNoAnswer
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Scripted answers from a fixed list. It is used by batch tooling and tests.
type Scripted struct {
	mu      sync.Mutex
	answers []string
	asked   []string
}

// NewScripted creates a prompter returning answers in order
func NewScripted(answers ...string) *Scripted {
	return &Scripted{answers: answers}
}

func (s *Scripted) next(question string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, question)
	if len(s.answers) == 0 {
		return "", ErrNoAnswer
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func (s *Scripted) Choose(question string, choices []Choice, def string) (string, error) {
	a, err := s.next(question)
	if err != nil {
		return "", err
	}
	if a == "" {
		return def, nil
	}
	return a, nil
}

func (s *Scripted) Confirm(question string, def bool) (bool, error) {
	a, err := s.next(question)
	if err != nil {
		return false, err
	}
	switch a {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Questions returns the questions asked so far
func (s *Scripted) Questions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.asked))
	copy(out, s.asked)
	return out
}
