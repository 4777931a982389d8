// Package mailertest runs an in-process SMTP server over implicit TLS for
// tests of code that sends mail.
package mailertest

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type Received struct {
	From string
	To   []string
	Data []byte
}

type Server struct {
	Host     string
	Port     int
	Username string
	Password string

	mu       sync.Mutex
	reject   bool
	received []Received
	srv      *smtp.Server
}

func NewServer(t testing.TB, username, password string) *Server {
	t.Helper()

	s := &Server{Username: username, Password: password}
	s.srv = smtp.NewServer(&backend{s: s})
	s.srv.Domain = "localhost"
	s.srv.AllowInsecureAuth = true

	cfg := &tls.Config{Certificates: []tls.Certificate{testCertificate()}}
	l, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen failed: %s", err)
	}
	host, port, _ := net.SplitHostPort(l.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	go func() { _ = s.srv.Serve(l) }()
	t.Cleanup(func() { _ = s.srv.Close() })

	return s
}

func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Reject makes every following DATA command fail.
func (s *Server) Reject() {
	s.mu.Lock()
	s.reject = true
	s.mu.Unlock()
}

// testCertificate borrows the self-signed certificate of net/http/httptest.
func testCertificate() tls.Certificate {
	ts := httptest.NewUnstartedServer(http.NotFoundHandler())
	ts.StartTLS()
	defer ts.Close()
	return ts.TLS.Certificates[0]
}

type backend struct {
	s *Server
}

func (b *backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{s: b.s}, nil
}

type session struct {
	s      *Server
	authed bool
	msg    Received
}

func (ss *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (ss *session) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != ss.s.Username || password != ss.s.Password {
			return errors.New("invalid credentials")
		}
		ss.authed = true
		return nil
	}), nil
}

func (ss *session) Mail(from string, _ *smtp.MailOptions) error {
	if !ss.authed {
		return smtp.ErrAuthRequired
	}
	ss.msg.From = from
	return nil
}

func (ss *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	ss.msg.To = append(ss.msg.To, to)
	return nil
}

func (ss *session) Data(r io.Reader) error {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, r)
	if err != nil {
		return err
	}
	ss.s.mu.Lock()
	reject := ss.s.reject
	ss.s.mu.Unlock()
	if reject {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "message rejected"}
	}
	ss.msg.Data = buf.Bytes()

	ss.s.mu.Lock()
	ss.s.received = append(ss.s.received, ss.msg)
	ss.s.mu.Unlock()

	return nil
}

func (ss *session) Reset() {
	ss.msg = Received{}
}

func (ss *session) Logout() error {
	return nil
}
