// Package imapmail serves the mail API over a plain IMAP account, with
// outgoing mail submitted over SMTP.
package imapmail

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.io/infrasutra/mailboxsync/internal/compose"
	"github.io/infrasutra/mailboxsync/internal/mailapi"
)

type Config struct {
	Addr     string
	Username string
	Password string
	// Security is "tls" (default), "starttls" or "none".
	Security string
}

// Client opens a fresh IMAP session per operation.
type Client struct {
	cfg    Config
	sender *Sender
	logger *slog.Logger
}

func New(cfg Config, sender *Sender, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{cfg: cfg, sender: sender, logger: logger}
}

// ForUser returns the client itself: one configured account serves every
// session.
func (c *Client) ForUser(context.Context, string) (mailapi.Client, error) {
	return c, nil
}

func (c *Client) UserID() string {
	return "imap:" + strings.ToLower(c.cfg.Username)
}

func (c *Client) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		client *imapclient.Client
		err    error
	)
	switch strings.ToLower(c.cfg.Security) {
	case "starttls":
		client, err = imapclient.DialStartTLS(c.cfg.Addr, nil)
	case "none":
		client, err = imapclient.DialInsecure(c.cfg.Addr, nil)
	default:
		client, err = imapclient.DialTLS(c.cfg.Addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", c.cfg.Addr, err)
	}
	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, &mailapi.APIError{
			StatusCode: 401,
			Code:       "AuthenticationFailure",
			Message:    fmt.Sprintf("authentication failed for %s: %v", c.cfg.Username, err),
		}
	}
	return client, nil
}

func (c *Client) session(ctx context.Context, fn func(client *imapclient.Client) error) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()
	return fn(client)
}

type mailboxEntry struct {
	name  string
	delim rune
}

func (c *Client) listMailboxes(client *imapclient.Client) ([]mailboxEntry, error) {
	listed, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	entries := make([]mailboxEntry, 0, len(listed))
	for _, data := range listed {
		selectable := true
		for _, attr := range data.Attrs {
			if attr == imap.MailboxAttrNoSelect || attr == imap.MailboxAttrNonExistent {
				selectable = false
			}
		}
		if selectable {
			entries = append(entries, mailboxEntry{name: data.Mailbox, delim: data.Delim})
		}
	}
	return entries, nil
}

// childrenOf returns the direct children of parent, or the top level when
// parent is empty.
func childrenOf(entries []mailboxEntry, parent string) []mailapi.Folder {
	var out []mailapi.Folder
	for _, e := range entries {
		display, ok := directChild(e, parent)
		if !ok {
			continue
		}
		folder := mailapi.Folder{ID: e.name, DisplayName: display, ParentFolderID: parent}
		for _, other := range entries {
			if _, ok := directChild(other, e.name); ok {
				folder.ChildFolderCount++
			}
		}
		out = append(out, folder)
	}
	return out
}

func directChild(e mailboxEntry, parent string) (string, bool) {
	if e.delim == 0 {
		return e.name, parent == ""
	}
	sep := string(e.delim)
	if parent == "" {
		return e.name, !strings.Contains(e.name, sep)
	}
	rest, ok := strings.CutPrefix(e.name, parent+sep)
	if !ok || rest == "" || strings.Contains(rest, sep) {
		return "", false
	}
	return rest, true
}

func (c *Client) ListFolders(ctx context.Context) ([]mailapi.Folder, error) {
	var folders []mailapi.Folder
	err := c.session(ctx, func(client *imapclient.Client) error {
		entries, err := c.listMailboxes(client)
		if err != nil {
			return err
		}
		folders = childrenOf(entries, "")
		return nil
	})
	return folders, err
}

func (c *Client) ListChildFolders(ctx context.Context, folderID string) ([]mailapi.Folder, error) {
	var folders []mailapi.Folder
	err := c.session(ctx, func(client *imapclient.Client) error {
		entries, err := c.listMailboxes(client)
		if err != nil {
			return err
		}
		folders = childrenOf(entries, folderID)
		return nil
	})
	return folders, err
}

// ListMessages pages newest first by sequence number.
func (c *Client) ListMessages(ctx context.Context, folderID string, skip, top int) (mailapi.MessagePage, error) {
	var page mailapi.MessagePage
	err := c.session(ctx, func(client *imapclient.Client) error {
		selected, err := client.Select(folderID, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", folderID, err)
		}
		start, stop, next, ok := pageWindow(selected.NumMessages, skip, top)
		if !ok {
			return nil
		}
		var seqSet imap.SeqSet
		seqSet.AddRange(start, stop)
		messages, err := c.fetch(client, seqSet, folderID)
		if err != nil {
			return err
		}
		page = mailapi.MessagePage{Messages: messages, NextSkip: next}
		return nil
	})
	return page, err
}

func (c *Client) GetMessage(ctx context.Context, messageID string) (mailapi.Message, error) {
	mailbox, uid, err := decodeID(messageID)
	if err != nil {
		return mailapi.Message{}, &mailapi.APIError{StatusCode: 400, Code: "ErrorInvalidIdMalformed", Message: err.Error()}
	}
	var msg mailapi.Message
	err = c.session(ctx, func(client *imapclient.Client) error {
		if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", mailbox, err)
		}
		messages, err := c.fetch(client, imap.UIDSetNum(uid), mailbox)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return &mailapi.APIError{StatusCode: 404, Code: "ErrorItemNotFound", Message: fmt.Sprintf("message %s not found", messageID)}
		}
		msg = messages[0]
		return nil
	})
	return msg, err
}

func (c *Client) fetch(client *imapclient.Client, set imap.NumSet, mailbox string) ([]mailapi.Message, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(set, &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	type fetched struct {
		seq uint32
		msg mailapi.Message
	}
	var out []fetched
	for {
		next := fetchCmd.Next()
		if next == nil {
			break
		}
		buf, err := next.Collect()
		if err != nil {
			c.logger.Warn("collecting message", "mailbox", mailbox, "error", err)
			continue
		}
		out = append(out, fetched{seq: buf.SeqNum, msg: toMessage(buf, mailbox, buf.FindBodySection(bodySection))})
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching from %s: %w", mailbox, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	messages := make([]mailapi.Message, 0, len(out))
	for _, f := range out {
		messages = append(messages, f.msg)
	}
	return messages, nil
}

func toMessage(buf *imapclient.FetchMessageBuffer, mailbox string, body []byte) mailapi.Message {
	msg := mailapi.Message{
		ID:             encodeID(mailbox, buf.UID),
		ParentFolderID: mailbox,
		CreatedAt:      buf.InternalDate,
	}
	flags := make([]string, 0, len(buf.Flags))
	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			msg.IsRead = true
		}
		flags = append(flags, string(flag))
	}
	sort.Strings(flags)
	msg.ChangeKey = strings.Join(flags, " ")
	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.ConversationID = env.MessageID
		if len(env.InReplyTo) > 0 {
			msg.ConversationID = env.InReplyTo[0]
		}
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = env.Date
		}
	}
	if len(body) > 0 {
		if parsed, err := compose.Parse(bytes.NewReader(body)); err == nil {
			text := parsed.Text
			if text == "" {
				text = stripTags(parsed.HTML)
			}
			msg.BodyPreview = compose.Preview(text)
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Unix(0, 0).UTC()
	}
	return msg
}

func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *Client) SendMessage(ctx context.Context, msg mailapi.OutgoingMessage) error {
	if c.sender == nil {
		return errors.New("smtp upstream is not configured")
	}
	if msg.From.Address == "" {
		msg.From.Address = c.cfg.Username
	}
	return c.sender.Send(ctx, msg)
}

// ReplyToMessage answers the original sender with body as plain text.
func (c *Client) ReplyToMessage(ctx context.Context, messageID, body string) error {
	mailbox, uid, err := decodeID(messageID)
	if err != nil {
		return &mailapi.APIError{StatusCode: 400, Code: "ErrorInvalidIdMalformed", Message: err.Error()}
	}
	var envelope *imap.Envelope
	err = c.session(ctx, func(client *imapclient.Client) error {
		if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", mailbox, err)
		}
		msgs, err := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{Envelope: true, UID: true}).Collect()
		if err != nil {
			return fmt.Errorf("fetching envelope: %w", err)
		}
		if len(msgs) == 0 || msgs[0].Envelope == nil {
			return &mailapi.APIError{StatusCode: 404, Code: "ErrorItemNotFound", Message: fmt.Sprintf("message %s not found", messageID)}
		}
		envelope = msgs[0].Envelope
		return nil
	})
	if err != nil {
		return err
	}
	to := envelope.ReplyTo
	if len(to) == 0 {
		to = envelope.From
	}
	reply := mailapi.OutgoingMessage{Subject: replySubject(envelope.Subject), Body: body, InReplyTo: envelope.MessageID}
	for _, addr := range to {
		reply.To = append(reply.To, mailapi.Recipient{Name: addr.Name, Address: addr.Addr()})
	}
	return c.SendMessage(ctx, reply)
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	mailbox, uid, err := decodeID(messageID)
	if err != nil {
		return &mailapi.APIError{StatusCode: 400, Code: "ErrorInvalidIdMalformed", Message: err.Error()}
	}
	return c.session(ctx, func(client *imapclient.Client) error {
		if _, err := client.Select(mailbox, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", mailbox, err)
		}
		storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return fmt.Errorf("flagging message deleted: %w", err)
		}
		return client.Expunge().Close()
	})
}

// MoveMessage moves the message into the mailbox named destinationID.
func (c *Client) MoveMessage(ctx context.Context, messageID, destinationID string) error {
	mailbox, uid, err := decodeID(messageID)
	if err != nil {
		return &mailapi.APIError{StatusCode: 400, Code: "ErrorInvalidIdMalformed", Message: err.Error()}
	}
	return c.session(ctx, func(client *imapclient.Client) error {
		if _, err := client.Select(mailbox, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", mailbox, err)
		}
		if _, err := client.Move(imap.UIDSetNum(uid), destinationID).Wait(); err != nil {
			return fmt.Errorf("moving message to %s: %w", destinationID, err)
		}
		return nil
	})
}

// Login checks username and password against the configured account and
// confirms the server still accepts them.
func (c *Client) Login(ctx context.Context, username, password string) (mailapi.Profile, error) {
	userOK := strings.EqualFold(strings.TrimSpace(username), c.cfg.Username)
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.cfg.Password)) == 1
	if !userOK || !passOK {
		return mailapi.Profile{}, &mailapi.APIError{StatusCode: 401, Code: "AuthenticationFailure", Message: "invalid username or password"}
	}
	if err := c.session(ctx, func(*imapclient.Client) error { return nil }); err != nil {
		return mailapi.Profile{}, err
	}
	return c.Me(ctx)
}

func (c *Client) Me(context.Context) (mailapi.Profile, error) {
	return mailapi.Profile{ID: c.UserID(), DisplayName: c.cfg.Username, Email: c.cfg.Username}, nil
}
