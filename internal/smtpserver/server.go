// Package smtpserver accepts SMTP submissions from local tools and relays
// them through the signed-in mailbox.
package smtpserver

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailboxsync/internal/compose"
	"github.io/infrasutra/mailboxsync/internal/mailapi"
)

const (
	defaultDomain = "mailboxsync"
	relayTimeout  = time.Minute
)

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

// New relays every accepted message as userID through factory.
func New(factory mailapi.Factory, userID string, logger *slog.Logger, addr string, authCfg AuthConfig) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	backend := &backend{
		factory:      factory,
		userID:       userID,
		logger:       logger,
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp relay listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

func (s *Server) Serve(ln net.Listener) error {
	return s.smtp.Serve(ln)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	factory      mailapi.Factory
	userID       string
	logger       *slog.Logger
	authEnabled  bool
	authUsername string
	authPassword string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if credentialsMatch(username, s.backend.authUsername) && credentialsMatch(password, s.backend.authPassword) {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func credentialsMatch(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, normalizeEmail(to))
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	msg, err := toOutgoing(s.to, data)
	if err != nil {
		s.backend.logger.Warn("parse smtp message", "error", err)
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "Message could not be parsed"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	client, err := s.backend.factory.ForUser(ctx, s.backend.userID)
	if err == nil {
		err = client.SendMessage(ctx, msg)
	}
	if err != nil {
		s.backend.logger.Error("relay smtp message", "user", s.backend.userID, "error", err)
		if mailapi.IsAuthFailure(err) {
			return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 0}, Message: "Mailbox sign-in required"}
		}
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 4, 0}, Message: "Relay failed, try again later"}
	}
	s.backend.logger.Info("relayed smtp message", "from", s.from, "recipients", len(s.to), "subject", msg.Subject)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// toOutgoing keeps the header recipients. Envelope recipients are used
// only when the message names none.
func toOutgoing(envelopeTo []string, raw []byte) (mailapi.OutgoingMessage, error) {
	parsed, err := compose.Parse(bytes.NewReader(raw))
	if err != nil {
		return mailapi.OutgoingMessage{}, err
	}
	msg := mailapi.OutgoingMessage{
		Subject: parsed.Subject,
		To:      parsed.To,
		Cc:      parsed.Cc,
		Body:    parsed.Text,
	}
	if msg.Body == "" && parsed.HTML != "" {
		msg.Body = parsed.HTML
		msg.HTML = true
	}
	if len(msg.To) == 0 && len(msg.Cc) == 0 {
		for _, addr := range envelopeTo {
			if addr != "" {
				msg.To = append(msg.To, mailapi.Recipient{Address: addr})
			}
		}
	}
	if len(msg.To) == 0 && len(msg.Cc) == 0 {
		return msg, errors.New("message has no recipients")
	}
	return msg, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
