package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gonejack/export-vault/runner"
)

var ErrExportMissing = errors.New("export reported success but file not found")

// StepError is a failed bw invocation.
type StepError struct {
	Step   string
	Result runner.Result
	Hint   string
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s failed (%s, code %d): %s", e.Step, e.Result.Kind, e.Result.Code(), e.Result.Stderr)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

type Client struct {
	Bin      string
	Server   string
	Email    string
	Password string

	Timeout time.Duration
	// LoginTimeout bounds the commands fed with the master password.
	LoginTimeout time.Duration

	runner.Runner
}

// Export writes the vault to path as JSON. The bw session is logged out
// before and after, whatever happens in between.
func (c *Client) Export(ctx context.Context, path string) error {
	return c.Session(ctx, func(s *Session) error {
		return s.Export(ctx, path)
	})
}

// Session logs in, hands the session to fn and always logs out afterwards.
func (c *Client) Session(ctx context.Context, fn func(s *Session) error) (err error) {
	defer c.logout(ctx)
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("unexpected failure: %v", r)
			err = fmt.Errorf("unexpected failure: %v", r)
		}
	}()

	c.preclean(ctx)
	err = c.configure(ctx)
	if err != nil {
		return
	}
	err = c.login(ctx)
	if err != nil {
		return
	}
	return fn(&Session{c: c})
}

type Session struct {
	c *Client
}

func (s *Session) Export(ctx context.Context, path string) (err error) {
	err = os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return fmt.Errorf("create export dir failed: %w", err)
	}

	logrus.Infof("exporting vault")
	r, err := s.c.run(ctx, s.c.LoginTimeout, s.c.Password+"\n", "export", "--format", "json", "--output", path)
	if err != nil {
		return
	}
	if !r.OK() {
		return &StepError{Step: "export", Result: r}
	}

	_, err = os.Stat(path)
	if err != nil {
		logrus.Warnf("bw export succeeded but %s is missing", path)
		return fmt.Errorf("%w: %s", ErrExportMissing, path)
	}
	logrus.Infof("export vault done")

	return
}

func (c *Client) preclean(ctx context.Context) {
	logrus.Infof("cleaning previous session")
	r, err := c.run(ctx, c.Timeout, "", "logout")
	switch {
	case err != nil:
		logrus.Warnf("logout failed: %s", err)
	case !r.OK() && !strings.Contains(strings.ToLower(r.Stderr), "not logged in"):
		logrus.Warnf("logout failed: %s", r.Stderr)
	}
}

func (c *Client) configure(ctx context.Context) (err error) {
	logrus.Infof("configuring server %s", c.Server)
	r, err := c.run(ctx, c.Timeout, "", "config", "server", c.Server)
	if err != nil {
		return
	}
	if !r.OK() {
		return &StepError{Step: "config server", Result: r}
	}
	return
}

func (c *Client) login(ctx context.Context) (err error) {
	logrus.Infof("logging in as %s", c.Email)
	r, err := c.run(ctx, c.LoginTimeout, c.Password+"\n", "login", c.Email)
	if err != nil {
		return
	}
	if !r.OK() {
		return &StepError{Step: "login", Result: r, Hint: loginHint(r.Stderr)}
	}
	logrus.Infof("login done")
	return
}

func (c *Client) logout(ctx context.Context) {
	r, err := c.run(context.WithoutCancel(ctx), c.Timeout, "", "logout")
	switch {
	case err != nil:
		logrus.Warnf("logout failed: %s", err)
	case !r.OK():
		logrus.Debugf("logout returned %d: %s", r.Code(), r.Stderr)
	}
	logrus.Infof("logged out")
}

func (c *Client) run(ctx context.Context, timeout time.Duration, stdin string, args ...string) (r runner.Result, err error) {
	line, err := runner.Quote(append([]string{c.Bin}, args...)...)
	if err != nil {
		return
	}
	r = c.Runner.Run(ctx, runner.Command{Line: line, Stdin: stdin, Timeout: timeout})
	logrus.Debugf("bw %s returned %d, stdout %d bytes", args[0], r.Code(), len(r.Stdout))
	return
}

// loginHint classifies bw login output for the operator.
func loginHint(stderr string) string {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "master password is incorrect"):
		return "incorrect master password"
	case strings.Contains(s, "network"):
		return "network/server address error"
	default:
		return ""
	}
}
