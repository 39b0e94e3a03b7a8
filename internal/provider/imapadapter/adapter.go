// Package imapadapter implements the provider adapter for plain IMAP/SMTP
// accounts. Every operation runs a scoped session: connect, login, work,
// logout. No connection is held between syncs.
package imapadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"unibox-backend/internal/mail/domain"
	"unibox-backend/internal/provider"
)

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) connect(account *domain.Account) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, provider.NewError("imap", provider.ErrUnavailable,
			fmt.Sprintf("connecting to %s", addr), err, true)
	}

	if err := client.Login(account.IMAPUsername, account.IMAPPassword).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, provider.NewError("imap", provider.ErrAuthFailed,
			fmt.Sprintf("authentication failed for %s", account.IMAPUsername), err, false)
	}

	return client, nil
}

// FetchIncremental delegates to FetchFull: IMAP carries no provider cursor
// here, each pass reads the recent INBOX window and relies on dedup.
func (a *Adapter) FetchIncremental(ctx context.Context, account *domain.Account) (*provider.FetchResult, error) {
	return a.FetchFull(ctx, account)
}

func (a *Adapter) FetchFull(ctx context.Context, account *domain.Account) (*provider.FetchResult, error) {
	client, err := a.connect(account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, provider.NewError("imap", provider.ErrUnavailable, "selecting INBOX", err, true)
	}

	// Search recent messages, keep the newest window
	since := time.Now().AddDate(0, 0, -7)
	searchData, err := client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, provider.NewError("imap", provider.ErrUnavailable, "searching messages", err, true)
	}

	uids := searchData.AllUIDs()
	if len(uids) > provider.FullFetchLimit {
		uids = uids[len(uids)-provider.FullFetchLimit:]
	}
	if len(uids) == 0 {
		return &provider.FetchResult{WasFullSync: true}, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var messages []provider.RawMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		messages = append(messages, convertMessage(buf, bodySection))
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, provider.NewError("imap", provider.ErrUnavailable, "fetching messages", err, true)
	}

	return &provider.FetchResult{Messages: messages, WasFullSync: true}, nil
}

func (a *Adapter) Send(ctx context.Context, account *domain.Account, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	addr := fmt.Sprintf("%s:%d", account.SMTPHost, account.SMTPPort)
	auth := sasl.NewPlainClient("", account.IMAPUsername, account.IMAPPassword)

	raw := buildMessage(account.Email, msg)
	recipients := append(append(append([]string{}, msg.To...), msg.Cc...), msg.Bcc...)

	err := smtp.SendMailTLS(addr, auth, account.Email, recipients, bytes.NewReader(raw))
	if err != nil {
		if strings.Contains(err.Error(), "535") || strings.Contains(err.Error(), "authentication") {
			return nil, provider.NewError("imap", provider.ErrAuthFailed, "smtp authentication failed", err, false)
		}
		return nil, provider.NewError("imap", provider.ErrUnavailable, "smtp send failed", err, true)
	}

	return &provider.SendResult{SentAt: time.Now()}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, account *domain.Account) error {
	client, err := a.connect(account)
	if err != nil {
		return err
	}
	return client.Logout().Wait()
}

func convertMessage(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) provider.RawMessage {
	raw := provider.RawMessage{}

	if buf.Envelope != nil {
		raw.ExternalID = buf.Envelope.MessageID
		raw.Subject = buf.Envelope.Subject
		raw.SentAt = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			raw.From = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			raw.To = append(raw.To, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			raw.Cc = append(raw.Cc, cc.Addr())
		}
		for _, bcc := range buf.Envelope.Bcc {
			raw.Bcc = append(raw.Bcc, bcc.Addr())
		}
	}
	// Message-ID can be missing on malformed mail; fall back to the UID so
	// the dedup key stays stable for this mailbox.
	if raw.ExternalID == "" {
		raw.ExternalID = fmt.Sprintf("uid-%d", buf.UID)
	}

	if body := buf.FindBodySection(section); body != nil {
		raw.TextBody, raw.HTMLBody = parseMIMEBody(body)
	}
	return raw
}

// parseMIMEBody extracts the text/plain and text/html parts of a raw
// RFC 2822 message using go-message.
func parseMIMEBody(raw []byte) (textBody, htmlBody string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		if h, ok := part.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}
		}
	}
	return textBody, htmlBody
}

func buildMessage(from string, msg *provider.OutgoingMessage) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	if len(msg.Cc) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(msg.Cc, ", ")))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	if msg.HTMLBody != "" {
		buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
		buf.WriteString(msg.HTMLBody)
	} else {
		buf.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		buf.WriteString(msg.TextBody)
	}
	return buf.Bytes()
}
