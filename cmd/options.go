package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

type options struct {
	Server   string `help:"Set vault server." env:"BW_SERVER" default:"https://vault.bitwarden.com"`
	Email    string `help:"Set vault account email." env:"BW_EMAIL"`
	Password string `help:"Set vault master password." env:"BW_PASSWORD"`

	MailUser     string `name:"mail-user" help:"Set smtp username, also the sender." env:"EMAIL_USER"`
	MailPassword string `name:"mail-password" help:"Set smtp password." env:"EMAIL_PASSWORD"`
	SMTPHost     string `name:"smtp-host" help:"Set smtp host." env:"EMAIL_SMTP_HOST" default:"smtp.qq.com"`
	SMTPPort     int    `name:"smtp-port" help:"Set smtp port (implicit TLS)." env:"EMAIL_SMTP_PORT" default:"465"`
	SMTPInsecure bool   `name:"smtp-insecure" help:"Skip smtp certificate verification." env:"EMAIL_SMTP_INSECURE"`
	Receivers    string `help:"Comma separated receivers, defaults to mail user." env:"EMAIL_RECEIVERS"`

	BW           string        `name:"bw" help:"Path of bw executable, defaults to bw next to this program." env:"BW_CMD"`
	ExportDir    string        `name:"export-dir" help:"Output directory, defaults to exports next to this program." env:"EXPORT_DIR"`
	Timezone     string        `help:"Time zone of export file names." env:"BACKUP_TZ" default:"Asia/Shanghai"`
	Timeout      time.Duration `help:"Timeout of bw commands." default:"120s"`
	LoginTimeout time.Duration `name:"login-timeout" help:"Timeout of bw login and export." default:"60s"`
	EnvFile      string        `name:"env-file" help:"Load environment from file, defaults to .env next to this program."`

	Verbose bool `short:"v" help:"Verbose printing."`
	About   bool `help:"About."`
}

func (o *options) Parse(args []string) (err error) {
	err = o.parse(args)
	if err != nil {
		return
	}

	loaded, err := loadEnvFile(o.EnvFile)
	if err != nil {
		return
	}
	if loaded {
		*o = options{}
		err = o.parse(args)
	}
	return
}

func (o *options) parse(args []string) (err error) {
	p, err := kong.New(o,
		kong.Name("export-vault"),
		kong.Description("Command line tool for exporting a Bitwarden vault and mailing it."),
		kong.UsageOnError(),
	)
	if err != nil {
		return
	}
	_, err = p.Parse(args)
	return
}

// check verifies required settings and fills the defaults that depend on
// other settings. It never runs a command. Not named Validate, kong would
// call it from Parse before the env file is loaded.
func (o *options) check() (err error) {
	var missing []string
	for _, r := range []struct{ env, val string }{
		{"BW_EMAIL", o.Email},
		{"BW_PASSWORD", o.Password},
		{"EMAIL_USER", o.MailUser},
		{"EMAIL_PASSWORD", o.MailPassword},
	} {
		if r.val == "" {
			missing = append(missing, r.env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if o.Receivers == "" {
		o.Receivers = o.MailUser
	}
	_, err = time.LoadLocation(o.Timezone)
	if err != nil {
		return fmt.Errorf("invalid time zone %s: %w", o.Timezone, err)
	}
	if o.ExportDir == "" {
		o.ExportDir = filepath.Join(programDir(), "exports")
	}

	return o.resolveBW()
}

func (o *options) resolveBW() (err error) {
	if o.BW == "" {
		o.BW = filepath.Join(programDir(), "bw")
		if _, err = os.Stat(o.BW); err != nil {
			o.BW, err = exec.LookPath("bw")
			if err != nil {
				return errors.New("bw command not found next to this program nor in PATH")
			}
		}
		return
	}

	_, err = os.Stat(o.BW)
	if err != nil {
		return fmt.Errorf("bw command not found: %s", o.BW)
	}
	return
}

func loadEnvFile(path string) (loaded bool, err error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(programDir(), ".env")
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
	case !explicit:
		return false, nil
	default:
		return false, fmt.Errorf("env file %s not found", path)
	}

	err = godotenv.Load(path)
	if err != nil {
		return false, fmt.Errorf("load env file %s failed: %w", path, err)
	}
	return true, nil
}

func programDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if p, err := filepath.EvalSymlinks(exe); err == nil {
		exe = p
	}
	return filepath.Dir(exe)
}
