package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Argument validation errors.
var (
	ErrEmptyArgument         = errors.New("argument is empty")
	ErrArgumentNullByte      = errors.New("argument contains null byte")
	ErrArgumentControlChar   = errors.New("argument contains control characters")
	ErrArgumentShellMetachar = errors.New("argument contains shell metacharacters")
)

var (
	shellMetachars = regexp.MustCompile(`[;&|` + "`" + `$<>]`)
	controlChars   = regexp.MustCompile(`[\r\n]`)
)

// SanitizeArgument returns arg if it is safe to pass to an external
// program, such as a user-supplied face name.
func SanitizeArgument(arg string) (string, error) {
	switch {
	case arg == "":
		return "", ErrEmptyArgument
	case strings.Contains(arg, "\x00"):
		return "", ErrArgumentNullByte
	case controlChars.MatchString(arg):
		return "", ErrArgumentControlChar
	case shellMetachars.MatchString(arg):
		return "", ErrArgumentShellMetachar
	}
	return arg, nil
}

// ArgumentError reports which argument failed validation.
type ArgumentError struct {
	Index int
	Arg   string
	Err   error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %d is unsafe: %v", e.Index, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// Command is an external program invocation.
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Stdin []byte
}

// Output is what a finished command produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Run executes cmd on lane. Arguments are validated first; the process is
// killed when the lane timeout or ctx expires.
func (p *Pool) Run(ctx context.Context, lane Lane, cmd Command) (*Output, error) {
	if cmd.Path == "" {
		return nil, ErrEmptyArgument
	}
	for i, arg := range cmd.Args {
		if _, err := SanitizeArgument(arg); err != nil {
			return nil, &ArgumentError{Index: i, Arg: arg, Err: err}
		}
	}

	return Submit(ctx, p, lane, func(ctx context.Context) (*Output, error) {
		c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
		c.Dir = cmd.Dir
		c.WaitDelay = 2 * time.Second
		if cmd.Stdin != nil {
			c.Stdin = bytes.NewReader(cmd.Stdin)
		}
		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr

		start := time.Now()
		err := c.Run()
		out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > 500 {
				msg = msg[:500]
			}
			return out, fmt.Errorf("%s: %w: %s", cmd.Path, err, msg)
		}
		return out, nil
	})
}
