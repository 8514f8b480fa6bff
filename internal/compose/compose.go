// Package compose builds and parses RFC 5322 messages with go-message.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.io/infrasutra/mailboxsync/internal/mailapi"
)

const previewLength = 255

// Build renders msg as a single-part message.
func Build(msg mailapi.OutgoingMessage) ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.SetMessageID(uuid.NewString() + "@mailboxsync")
	if msg.From.Address != "" {
		h.SetAddressList("From", addressList([]mailapi.Recipient{msg.From}))
	}
	h.SetAddressList("To", addressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", addressList(msg.Cc))
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
		h.SetMsgIDList("References", []string{msg.InReplyTo})
	}
	contentType := "text/plain"
	if msg.HTML {
		contentType = "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addressList(recipients []mailapi.Recipient) []*mail.Address {
	out := make([]*mail.Address, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, &mail.Address{Name: r.Name, Address: r.Address})
	}
	return out
}

// Parsed is the readable content of a message.
type Parsed struct {
	Subject   string
	From      []mailapi.Recipient
	To        []mailapi.Recipient
	Cc        []mailapi.Recipient
	MessageID string
	Text      string
	HTML      string
}

// Parse reads a message and keeps its first text/plain and text/html
// parts. Attachments are skipped.
func Parse(r io.Reader) (Parsed, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return Parsed{}, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	var out Parsed
	out.Subject, _ = mr.Header.Subject()
	out.MessageID, _ = mr.Header.MessageID()
	out.From = recipients(mr.Header, "From")
	out.To = recipients(mr.Header, "To")
	out.Cc = recipients(mr.Header, "Cc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("read part: %w", err)
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case (contentType == "" || strings.HasPrefix(contentType, "text/plain")) && out.Text == "":
			out.Text = string(body)
		case strings.HasPrefix(contentType, "text/html") && out.HTML == "":
			out.HTML = string(body)
		}
	}
	return out, nil
}

func recipients(h mail.Header, key string) []mailapi.Recipient {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]mailapi.Recipient, 0, len(list))
	for _, addr := range list {
		out = append(out, mailapi.Recipient{Name: addr.Name, Address: addr.Address})
	}
	return out
}

// Preview collapses whitespace in body and cuts it to a short prefix.
func Preview(body string) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(collapsed) <= previewLength {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:previewLength])
}
