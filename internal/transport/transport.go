// Package transport delivers rendered messages over SMTP. It exposes a
// persistent connection with classified errors so the dispatch layer can
// distinguish provider throttling, dead connections and bad recipients.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited means the provider asked us to slow down. The send
	// was not completed and should be retried after backing off.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrDisconnected means the connection is no longer usable. The send
	// outcome is unknown; callers reconnect and retry.
	ErrDisconnected = errors.New("connection lost")

	// ErrRecipientRejected means the provider permanently refused this
	// recipient. The send will never succeed and must not be retried.
	ErrRecipientRejected = errors.New("recipient rejected")
)

// Message is a fully rendered email ready for the wire. Text is optional;
// when empty the message goes out as HTML only.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

const mimeBoundary = "----=_Part_mailrun_boundary"

// Bytes encodes the message as MIME, multipart/alternative when a text
// part is present.
func (m *Message) Bytes() []byte {
	headers := []string{
		fmt.Sprintf("From: %s", m.From),
		fmt.Sprintf("To: %s", m.To),
		fmt.Sprintf("Subject: %s", m.Subject),
		"MIME-Version: 1.0",
	}

	var body string
	if m.Text == "" {
		headers = append(headers, "Content-Type: text/html; charset=utf-8")
		body = strings.Join(headers, "\r\n") + "\r\n\r\n" + m.HTML + "\r\n"
	} else {
		headers = append(headers,
			fmt.Sprintf(`Content-Type: multipart/alternative; boundary="%s"`, mimeBoundary))
		body = strings.Join(headers, "\r\n") + "\r\n\r\n"
		body += "--" + mimeBoundary + "\r\n"
		body += "Content-Type: text/plain; charset=utf-8\r\n\r\n"
		body += m.Text + "\r\n"
		body += "--" + mimeBoundary + "\r\n"
		body += "Content-Type: text/html; charset=utf-8\r\n\r\n"
		body += m.HTML + "\r\n"
		body += "--" + mimeBoundary + "--\r\n"
	}
	return []byte(body)
}

// Conn is one live SMTP session. Send errors are classified into the
// package sentinels where possible.
type Conn interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Client dials SMTP sessions. The rate limiter is shared across every
// connection the client produces so concurrent workers respect a single
// global send rate.
type Client struct {
	Host    string
	Port    int
	User    string
	Pass    string
	Timeout time.Duration

	limiter *rate.Limiter
}

func NewClient(host string, port int, user, pass string, timeout time.Duration, sendsPerSecond float64) *Client {
	return &Client{
		Host:    host,
		Port:    port,
		User:    user,
		Pass:    pass,
		Timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(sendsPerSecond), 1),
	}
}

func (c *Client) Enabled() bool {
	return c.Host != ""
}

// Dial opens a session, upgrades to TLS when the server offers it and
// authenticates when credentials are configured.
func (c *Client) Dial(ctx context.Context) (Conn, error) {
	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)

	dialer := &net.Dialer{Timeout: c.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}

	client, err := smtp.NewClient(netConn, c.Host)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: c.Host}
		if err := client.StartTLS(tlsConfig); err != nil {
			slog.Warn("smtp starttls failed, continuing without", "error", err)
		}
	}

	if c.User != "" {
		auth := smtp.PlainAuth("", c.User, c.Pass, c.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return &smtpConn{client: client, raw: netConn, limiter: c.limiter, timeout: c.Timeout}, nil
}

type smtpConn struct {
	client  *smtp.Client
	raw     net.Conn
	limiter *rate.Limiter
	timeout time.Duration
}

func (s *smtpConn) Send(ctx context.Context, msg *Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if s.timeout > 0 {
		s.raw.SetDeadline(time.Now().Add(s.timeout))
		defer s.raw.SetDeadline(time.Time{})
	}

	if err := s.client.Mail(envelopeAddress(msg.From)); err != nil {
		return classify("mail from", err)
	}
	if err := s.client.Rcpt(msg.To); err != nil {
		// Reset keeps the session reusable after a refused recipient.
		if code := smtpCode(err); code >= 500 && code < 600 {
			s.client.Reset()
			return fmt.Errorf("%w: %v", ErrRecipientRejected, err)
		}
		return classify("rcpt to", err)
	}

	w, err := s.client.Data()
	if err != nil {
		return classify("data", err)
	}
	if _, err := w.Write(msg.Bytes()); err != nil {
		return classify("write", err)
	}
	if err := w.Close(); err != nil {
		return classify("data close", err)
	}
	return nil
}

func (s *smtpConn) Close() error {
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}

// envelopeAddress strips a display name down to the bare address for the
// SMTP MAIL FROM command.
func envelopeAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.LastIndex(from, ">"); j > i {
			return from[i+1 : j]
		}
	}
	return from
}

func mentionsThrottling(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate") || strings.Contains(msg, "throttl")
}

func smtpCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

// classify maps raw protocol and network failures onto the package
// sentinels. 421, the 45x family and any 4xx mentioning rate or
// throttling are provider throttling; network level failures mean the
// session is gone.
func classify(op string, err error) error {
	switch code := smtpCode(err); {
	case code == 421 || (code >= 450 && code <= 452):
		return fmt.Errorf("%w: smtp %s: %v", ErrRateLimited, op, err)
	case code >= 400 && code < 500 && mentionsThrottling(err):
		return fmt.Errorf("%w: smtp %s: %v", ErrRateLimited, op, err)
	case code >= 500 && code < 600:
		return fmt.Errorf("smtp %s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: smtp %s: %v", ErrDisconnected, op, err)
	}
	if strings.Contains(err.Error(), "EOF") || strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset") {
		return fmt.Errorf("%w: smtp %s: %v", ErrDisconnected, op, err)
	}
	return fmt.Errorf("smtp %s: %w", op, err)
}
