package mailer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

var ErrAttachmentMissing = errors.New("attachment not found")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	InsecureSkipVerify bool
}

type Message struct {
	From    string
	To      []string
	Subject string
	Body    string

	// Attachment is a file path, empty for a body-only message.
	Attachment string
}

// ParseRecipients accepts single addresses, comma separated lists or a mix
// of both and returns the trimmed, non-empty addresses.
func ParseRecipients(list ...string) (rcpt []string) {
	for _, s := range list {
		for _, r := range strings.Split(s, ",") {
			r = strings.TrimSpace(r)
			if r != "" {
				rcpt = append(rcpt, r)
			}
		}
	}
	return
}

type Mailer struct {
	Config

	dialer *gomail.Dialer
}

func New(cfg Config) *Mailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = true
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	return &Mailer{Config: cfg, dialer: d}
}

// Send delivers msg over implicit TLS to every recipient in one transaction.
func (m *Mailer) Send(msg Message) (err error) {
	mm, err := m.compose(msg)
	if err != nil {
		return
	}

	logrus.Infof("connecting %s:%d", m.Host, m.Port)
	err = m.dialer.DialAndSend(mm)
	if err != nil {
		return fmt.Errorf("send mail failed: %w", err)
	}
	logrus.Infof("mail sent to %s", strings.Join(msg.To, ", "))

	return
}

// WriteTo renders msg as it would be sent.
func (m *Mailer) WriteTo(w io.Writer, msg Message) (err error) {
	mm, err := m.compose(msg)
	if err != nil {
		return
	}
	_, err = mm.WriteTo(w)
	return
}

func (m *Mailer) compose(msg Message) (mm *gomail.Message, err error) {
	if len(msg.To) == 0 {
		return nil, errors.New("no recipients")
	}

	mm = gomail.NewMessage()
	mm.SetHeader("From", msg.From)
	mm.SetHeader("To", msg.To...)
	mm.SetHeader("Subject", msg.Subject)
	mm.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), m.Host))
	mm.SetBody("text/plain", msg.Body)

	if msg.Attachment != "" {
		_, err = os.Stat(msg.Attachment)
		if err != nil {
			logrus.Errorf("attachment %s not found", msg.Attachment)
			return nil, fmt.Errorf("%w: %s", ErrAttachmentMissing, msg.Attachment)
		}
		name := filepath.Base(msg.Attachment)
		mm.Attach(msg.Attachment, gomail.SetHeader(map[string][]string{
			"Content-Type": {"application/octet-stream"},
		}))
		logrus.Debugf("attached %s", name)
	}

	return
}
