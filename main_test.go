package main

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonejack/export-vault/mailer/mailertest"
)

const runMainEnv = "EXPORT_VAULT_RUN_MAIN"

// TestMain lets the test binary act as the program when runMainEnv is set,
// so the tests below can check real exit statuses.
func TestMain(m *testing.M) {
	if os.Getenv(runMainEnv) == "1" {
		os.Args = os.Args[:1]
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func stubBW(t *testing.T) string {
	bin := filepath.Join(t.TempDir(), "bw")
	script := "#!/bin/sh\n" +
		"case \"$1\" in\n" +
		"login) read -r pw ;;\n" +
		"export) read -r pw; printf '%s' '{\"items\":[]}' > \"$5\" ;;\n" +
		"esac\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0700))
	return bin
}

func runProgram(t *testing.T, env ...string) (code int, out string) {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append([]string{runMainEnv + "=1", "PATH=" + os.Getenv("PATH")}, env...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	var exit *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		code = exit.ExitCode()
	default:
		require.NoError(t, err)
	}
	return code, buf.String()
}

func TestExitZeroOnSuccess(t *testing.T) {
	srv := mailertest.NewServer(t, "me@qq.com", "app-code")
	dir := filepath.Join(t.TempDir(), "exports")

	code, out := runProgram(t,
		"BW_EMAIL=me@example.com",
		"BW_PASSWORD=hunter2",
		"EMAIL_USER=me@qq.com",
		"EMAIL_PASSWORD=app-code",
		"EMAIL_SMTP_HOST="+srv.Host,
		"EMAIL_SMTP_PORT="+strconv.Itoa(srv.Port),
		"EMAIL_SMTP_INSECURE=true",
		"BW_CMD="+stubBW(t),
		"EXPORT_DIR="+dir,
	)

	assert.Equal(t, 0, code, out)
	assert.Contains(t, out, "backup done")
	assert.Contains(t, out, "KiB")
	assert.Len(t, srv.Received(), 1)
}

func TestExitOneOnFailure(t *testing.T) {
	t.Run("missing config", func(t *testing.T) {
		code, out := runProgram(t, "BW_CMD="+stubBW(t))

		assert.Equal(t, 1, code)
		assert.Contains(t, out, "missing required environment variables")
	})
	t.Run("mail rejected", func(t *testing.T) {
		srv := mailertest.NewServer(t, "me@qq.com", "app-code")
		dir := filepath.Join(t.TempDir(), "exports")

		code, out := runProgram(t,
			"BW_EMAIL=me@example.com",
			"BW_PASSWORD=hunter2",
			"EMAIL_USER=me@qq.com",
			"EMAIL_PASSWORD=wrong",
			"EMAIL_SMTP_HOST="+srv.Host,
			"EMAIL_SMTP_PORT="+strconv.Itoa(srv.Port),
			"EMAIL_SMTP_INSECURE=true",
			"BW_CMD="+stubBW(t),
			"EXPORT_DIR="+dir,
		)

		assert.Equal(t, 1, code)
		assert.Contains(t, out, "mail failed")
		matches, _ := filepath.Glob(filepath.Join(dir, "*.json"))
		assert.Len(t, matches, 1)
	})
}
