package mail

import (
	"context"
	"errors"
	"fmt"

	usecase "accounts/backend/internal/usecase/auth"

	"github.com/mrz1836/postmark"
)

// PostmarkSender delivers mail through Postmark's transactional API.
type PostmarkSender struct {
	client *postmark.Client
	sender string
}

var _ usecase.Mailer = (*PostmarkSender)(nil)

// NewPostmarkSender builds a Postmark-backed sender. The server token and the
// sender address are required.
func NewPostmarkSender(cfg Config) (*PostmarkSender, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if err := validateSender(cfg.Sender); err != nil {
		return nil, err
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		sender: cfg.Sender,
	}, nil
}

// WithBaseURL points the client at another API endpoint.
func (p *PostmarkSender) WithBaseURL(url string) *PostmarkSender {
	p.client.BaseURL = url
	return p
}

// Send implements usecase.Mailer.
func (p *PostmarkSender) Send(ctx context.Context, to, subject, body string) error {
	if err := validateMessage(to, subject); err != nil {
		return err
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.sender,
		To:       to,
		Subject:  subject,
		TextBody: body,
		Tag:      "account",
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(
			ErrFailedToSend,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
		)
	}
	return nil
}
