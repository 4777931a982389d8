package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/antonfisher/nested-logrus-formatter"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/gonejack/export-vault/mailer"
	"github.com/gonejack/export-vault/runner"
	"github.com/gonejack/export-vault/vault"
)

func init() {
	logrus.SetOutput(os.Stdout)

	format := &formatter.Formatter{
		TimestampFormat: "2006-01-02 15:04:05",
		NoColors:        !term.IsTerminal(int(os.Stdout.Fd())),
		HideKeys:        false,
		CallerFirst:     true,
	}
	logrus.SetFormatter(format)
}

type Exporter struct {
	options

	Runner runner.Runner
	now    func() time.Time
}

func (e *Exporter) Run() (err error) {
	return e.Execute(os.Args[1:])
}

func (e *Exporter) Execute(args []string) (err error) {
	err = e.options.Parse(args)
	if err != nil {
		return fmt.Errorf("parse argument failed: %w", err)
	}

	if e.About {
		fmt.Println("Visit https://github.com/gonejack/export-vault")
		return
	}
	if e.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	err = e.options.check()
	if err != nil {
		return
	}
	if e.Runner == nil {
		e.Runner = new(runner.Shell)
	}
	if e.now == nil {
		e.now = time.Now
	}

	return e.run(context.Background())
}
func (e *Exporter) run(ctx context.Context) (err error) {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return
	}
	start := e.now().In(loc)
	stamp := start.Format("20060102_150405")
	path := filepath.Join(e.ExportDir, stamp+".json")

	logrus.Infof("vault backup started")
	bw := &vault.Client{
		Bin:          e.BW,
		Server:       e.Server,
		Email:        e.Email,
		Password:     e.Password,
		Timeout:      e.Timeout,
		LoginTimeout: e.LoginTimeout,
		Runner:       e.Runner,
	}
	err = bw.Export(ctx, path)
	if err != nil {
		return fmt.Errorf("export vault failed: %w", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("export vault failed: %w", err)
	}
	size := fmt.Sprintf("%.2f KiB", float64(stat.Size())/1024)

	logrus.Infof("sending backup mail")
	m := mailer.New(mailer.Config{
		Host:               e.SMTPHost,
		Port:               e.SMTPPort,
		Username:           e.MailUser,
		Password:           e.MailPassword,
		InsecureSkipVerify: e.SMTPInsecure,
	})
	err = m.Send(mailer.Message{
		From:       e.MailUser,
		To:         mailer.ParseRecipients(e.Receivers),
		Subject:    "Bitwarden backup " + stamp,
		Body:       body(start, e.now().In(loc), size, stat.Size()),
		Attachment: path,
	})
	if err != nil {
		return fmt.Errorf("vault exported to %s but mail failed: %w", path, err)
	}

	logrus.Infof("backup done: %s (%s)", path, size)

	return
}

func body(start, sent time.Time, size string, n int64) string {
	return fmt.Sprintf("Bitwarden backup done\nBackup time: %s\nSent at: %s\nFile size: %s (%s)\n",
		start.Format("2006-01-02 15:04:05"),
		sent.Format("2006-01-02 15:04:05"),
		size,
		humanize.IBytes(uint64(n)),
	)
}
