package imapmail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailboxsync/internal/compose"
	"github.io/infrasutra/mailboxsync/internal/mailapi"
)

// Sender submits outgoing mail to an upstream SMTP server.
type Sender struct {
	Addr     string
	Username string
	Password string
	// Security is "tls", "starttls" (default) or "none".
	Security string
}

func (s *Sender) dial() (*smtp.Client, error) {
	switch strings.ToLower(s.Security) {
	case "tls":
		return smtp.DialTLS(s.Addr, nil)
	case "none":
		return smtp.Dial(s.Addr)
	default:
		return smtp.DialStartTLS(s.Addr, nil)
	}
}

func (s *Sender) Send(ctx context.Context, msg mailapi.OutgoingMessage) error {
	if s == nil || s.Addr == "" {
		return errors.New("smtp upstream is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.From.Address == "" {
		msg.From.Address = s.Username
	}
	raw, err := compose.Build(msg)
	if err != nil {
		return fmt.Errorf("build mime: %w", err)
	}

	client, err := s.dial()
	if err != nil {
		return fmt.Errorf("connecting to SMTP %s: %w", s.Addr, err)
	}
	defer client.Close()

	if s.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.Username, s.Password)); err != nil {
			return &mailapi.APIError{StatusCode: 401, Code: "AuthenticationFailure", Message: err.Error()}
		}
	}
	rcpts := make([]string, 0, len(msg.To)+len(msg.Cc))
	for _, r := range append(append([]mailapi.Recipient(nil), msg.To...), msg.Cc...) {
		rcpts = append(rcpts, r.Address)
	}
	if err := client.SendMail(msg.From.Address, rcpts, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return client.Quit()
}
