package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"mvdan.cc/sh/v3/shell"
	"mvdan.cc/sh/v3/syntax"
)

const DefaultTimeout = 120 * time.Second

// Kind tells how a command ended.
type Kind int

const (
	Exited Kind = iota
	TimedOut
	SpawnFailed
	// Signaled is a child killed by a signal; ExitCode is 128+signal.
	Signaled
)

func (k Kind) String() string {
	switch k {
	case Exited:
		return "exited"
	case TimedOut:
		return "timeout"
	case SpawnFailed:
		return "spawn failed"
	case Signaled:
		return "signaled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Command struct {
	Line    string
	Stdin   string
	Timeout time.Duration
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Kind     Kind
	Err      error
}

func (r Result) OK() bool {
	return r.Kind == Exited && r.ExitCode == 0
}

// Code folds the result into a single status: the exit code of the child
// (128+signal when killed), -1 on timeout, -2 when the child could not be
// started.
func (r Result) Code() int {
	switch r.Kind {
	case TimedOut:
		return -1
	case SpawnFailed:
		return -2
	default:
		return r.ExitCode
	}
}

type Runner interface {
	Run(ctx context.Context, c Command) Result
}

// Shell runs command lines split with POSIX word rules. No shell process is
// involved, so pipes, redirections and globs in Line are taken literally.
type Shell struct {
	Env       []string
	WaitDelay time.Duration
}

func (s *Shell) Run(ctx context.Context, c Command) (r Result) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	args, err := shell.Fields(c.Line, func(string) string { return "" })
	switch {
	case err != nil:
		return spawnFailed(fmt.Errorf("parse command failed: %w", err))
	case len(args) == 0:
		return spawnFailed(errors.New("empty command"))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if s.Env != nil {
		cmd.Env = s.Env
	}
	cmd.WaitDelay = s.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logrus.Debugf("exec %s", c.Line)
	start := time.Now()
	err = cmd.Run()
	logrus.Debugf("exec %s done in %s", args[0], time.Since(start).Round(time.Millisecond))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{
			Stderr:   fmt.Sprintf("command timed out after %s", timeout),
			ExitCode: -1,
			Kind:     TimedOut,
			Err:      ctx.Err(),
		}
	}

	r = Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
		Kind:   Exited,
	}
	var exit *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		r.ExitCode = exit.ExitCode()
		r.Err = err
		if ws, ok := exit.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			r.Kind = Signaled
			r.ExitCode = 128 + int(ws.Signal())
			if r.Stderr == "" {
				r.Stderr = fmt.Sprintf("command killed by %s", ws.Signal())
			}
		}
	default:
		return spawnFailed(err)
	}
	return
}

// Quote renders args as a command line that Shell.Run splits back into the
// same words.
func Quote(args ...string) (line string, err error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i], err = syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("quote %q failed: %w", a, err)
		}
	}
	return strings.Join(quoted, " "), nil
}

func spawnFailed(err error) Result {
	return Result{
		Stderr:   fmt.Sprintf("command failed to start: %s", err),
		ExitCode: -2,
		Kind:     SpawnFailed,
		Err:      err,
	}
}
