// Package mail delivers account emails over Postmark, SMTP or the
// application log.
package mail

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	usecase "accounts/backend/internal/usecase/auth"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

var (
	// ErrFailedToSend wraps transport failures.
	ErrFailedToSend = errors.New("failed to send email")
	// ErrInvalidConfig is returned for incomplete transport settings.
	ErrInvalidConfig = errors.New("invalid mail configuration")
)

// Driver names a mail transport.
type Driver string

const (
	DriverLog      Driver = "log"
	DriverSMTP     Driver = "smtp"
	DriverPostmark Driver = "postmark"
)

// Config selects and configures the transport.
type Config struct {
	Driver               Driver
	Sender               string
	SMTPServer           string
	SMTPUsername         string
	SMTPPassword         string
	PostmarkServerToken  string
	PostmarkAccountToken string
}

// New returns the Mailer for cfg.Driver.
func New(cfg Config, logger *slog.Logger) (usecase.Mailer, error) {
	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case DriverLog, "":
		return NewLogSender(logger), nil
	case DriverSMTP:
		s, err := NewSMTPSender(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostmark:
		p, err := NewPostmarkSender(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func validateSender(sender string) error {
	if err := validation.Validate(sender, validation.Required, is.Email); err != nil {
		return fmt.Errorf("%w: sender %v", ErrInvalidConfig, err)
	}
	return nil
}

func validateMessage(to, subject string) error {
	err := validation.Errors{
		"to":      validation.Validate(to, validation.Required, is.Email),
		"subject": validation.Validate(subject, validation.Required),
	}.Filter()
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	return nil
}
