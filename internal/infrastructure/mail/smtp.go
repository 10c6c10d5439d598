package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"time"

	usecase "accounts/backend/internal/usecase/auth"
)

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	addr     string
	host     string
	sender   string
	username string
	password string
	dialer   *net.Dialer
	nowFunc  func() time.Time
}

var _ usecase.Mailer = (*SMTPSender)(nil)

// NewSMTPSender builds a sender for cfg.SMTPServer given as host:port.
func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	if cfg.SMTPServer == "" {
		return nil, fmt.Errorf("%w: smtp server is required", ErrInvalidConfig)
	}
	host, _, err := net.SplitHostPort(cfg.SMTPServer)
	if err != nil {
		return nil, fmt.Errorf("%w: smtp server must be host:port: %v", ErrInvalidConfig, err)
	}
	if err := validateSender(cfg.Sender); err != nil {
		return nil, err
	}
	return &SMTPSender{
		addr:     cfg.SMTPServer,
		host:     host,
		sender:   cfg.Sender,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		dialer:   &net.Dialer{},
		nowFunc:  time.Now,
	}, nil
}

// Send implements usecase.Mailer. The whole exchange honours the deadline of ctx.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if err := validateMessage(to, subject); err != nil {
		return err
	}
	if err := s.send(ctx, to, s.compose(to, subject, body)); err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	return nil
}

func (s *SMTPSender) send(ctx context.Context, to string, msg []byte) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}

	// Unblock pending reads and writes when ctx is cancelled early.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if s.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(s.sender); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (s *SMTPSender) compose(to, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.sender)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", s.nowFunc().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}
