package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"unibox-backend/internal/mail/domain"
	"unibox-backend/internal/provider"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Adapter implements provider.Adapter for Gmail. Incremental fetch uses the
// History API with the account's stored historyId; a rejected historyId
// falls back to a full fetch with a fresh cursor from the user profile.
type Adapter struct {
	clientID       string
	clientSecret   string
	onTokenRefresh provider.TokenUpdateFunc
}

func New(clientID, clientSecret string, onTokenRefresh provider.TokenUpdateFunc) *Adapter {
	return &Adapter{
		clientID:       clientID,
		clientSecret:   clientSecret,
		onTokenRefresh: onTokenRefresh,
	}
}

type notifyTokenSource struct {
	src       oauth2.TokenSource
	current   *oauth2.Token
	accountID string
	callback  provider.TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(s.accountID, t.AccessToken, t.RefreshToken, t.Expiry); err != nil {
			log.Printf("[Gmail] failed to persist refreshed token for account %s: %v", s.accountID, err)
		}
	}
	return t, nil
}

func (a *Adapter) service(ctx context.Context, account *domain.Account) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		TokenType:    "Bearer",
	}
	if account.TokenExpiry != nil {
		token.Expiry = *account.TokenExpiry
	}

	config := &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     google.Endpoint,
	}

	// Wrap token source to detect refreshes
	wrapped := &notifyTokenSource{
		src:       config.TokenSource(ctx, token),
		current:   token,
		accountID: account.ID,
		callback:  a.onTokenRefresh,
	}

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, wrapped)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

func (a *Adapter) FetchIncremental(ctx context.Context, account *domain.Account) (*provider.FetchResult, error) {
	if account.IncrementalCursor == "" {
		result, err := a.FetchFull(ctx, account)
		if err != nil {
			return nil, err
		}
		result.WasFullSync = true
		return result, nil
	}

	srv, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}

	startHistoryID, err := strconv.ParseUint(account.IncrementalCursor, 10, 64)
	if err != nil {
		// Unparseable cursor is treated like a stale one
		return a.fullWithFreshCursor(ctx, srv, account)
	}

	var messageIDs []string
	latestHistoryID := startHistoryID
	seen := make(map[string]bool)

	call := srv.Users.History.List("me").StartHistoryId(startHistoryID).HistoryTypes("messageAdded").MaxResults(100)
	pageErr := call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, history := range page.History {
			if history.Id > latestHistoryID {
				latestHistoryID = history.Id
			}
			for _, record := range history.MessagesAdded {
				if !seen[record.Message.Id] {
					seen[record.Message.Id] = true
					messageIDs = append(messageIDs, record.Message.Id)
				}
			}
		}
		return nil
	})
	if pageErr != nil {
		wrapped := wrapError(pageErr, "failed to list history")
		if provider.IsStaleCursor(wrapped) {
			log.Printf("[Gmail] history cursor %s stale for account %s, falling back to full fetch", account.IncrementalCursor, account.ID)
			return a.fullWithFreshCursor(ctx, srv, account)
		}
		return nil, wrapped
	}

	messages, err := a.fetchMessages(ctx, srv, messageIDs)
	if err != nil {
		return nil, err
	}

	return &provider.FetchResult{
		Messages:  messages,
		NewCursor: strconv.FormatUint(latestHistoryID, 10),
	}, nil
}

func (a *Adapter) FetchFull(ctx context.Context, account *domain.Account) (*provider.FetchResult, error) {
	srv, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}
	return a.fullWithFreshCursor(ctx, srv, account)
}

func (a *Adapter) fullWithFreshCursor(ctx context.Context, srv *gmail.Service, account *domain.Account) (*provider.FetchResult, error) {
	resp, err := srv.Users.Messages.List("me").
		LabelIds("INBOX").
		MaxResults(provider.FullFetchLimit).
		Context(ctx).Do()
	if err != nil {
		return nil, wrapError(err, "failed to list messages")
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}

	messages, err := a.fetchMessages(ctx, srv, ids)
	if err != nil {
		return nil, err
	}

	// A full fetch resets the cursor to the current mailbox state
	cursor := ""
	profile, err := srv.Users.GetProfile("me").Context(ctx).Do()
	if err == nil && profile.HistoryId != 0 {
		cursor = strconv.FormatUint(profile.HistoryId, 10)
	}

	return &provider.FetchResult{
		Messages:    messages,
		NewCursor:   cursor,
		WasFullSync: true,
	}, nil
}

// fetchMessages hydrates message IDs in parallel with a bounded number of
// concurrent API calls, then restores chronological order.
func (a *Adapter) fetchMessages(ctx context.Context, srv *gmail.Service, ids []string) ([]provider.RawMessage, error) {
	type fetchResult struct {
		msg provider.RawMessage
		err error
	}

	resultChan := make(chan fetchResult, len(ids))
	semaphore := make(chan struct{}, 10)

	for _, id := range ids {
		go func(msgID string) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			fullMsg, err := srv.Users.Messages.Get("me", msgID).Format("full").Context(ctx).Do()
			if err != nil {
				resultChan <- fetchResult{err: wrapError(err, "failed to get message")}
				return
			}
			resultChan <- fetchResult{msg: convertMessage(fullMsg)}
		}(id)
	}

	var messages []provider.RawMessage
	for range ids {
		result := <-resultChan
		if result.err != nil {
			if provider.IsRateLimited(result.err) || provider.IsAuthError(result.err) {
				return nil, result.err
			}
			log.Printf("[Gmail] skipping unfetchable message: %v", result.err)
			continue
		}
		messages = append(messages, result.msg)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].SentAt.Before(messages[j].SentAt)
	})
	return messages, nil
}

func (a *Adapter) Send(ctx context.Context, account *domain.Account, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	srv, err := a.service(ctx, account)
	if err != nil {
		return nil, err
	}

	raw := buildRawMessage(account.Email, msg)
	sent, err := srv.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return nil, wrapError(err, "failed to send message")
	}

	return &provider.SendResult{ExternalID: sent.Id, SentAt: time.Now()}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, account *domain.Account) error {
	srv, err := a.service(ctx, account)
	if err != nil {
		return err
	}
	if _, err := srv.Users.GetProfile("me").Context(ctx).Do(); err != nil {
		return wrapError(err, "failed to get profile")
	}
	return nil
}

func buildRawMessage(from string, msg *provider.OutgoingMessage) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	if len(msg.Cc) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(msg.Cc, ", ")))
	}
	if len(msg.Bcc) > 0 {
		buf.WriteString(fmt.Sprintf("Bcc: %s\r\n", strings.Join(msg.Bcc, ", ")))
	}
	// Encode subject to handle non-ASCII characters (RFC 2047)
	encodedSubject := fmt.Sprintf("=?utf-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(msg.Subject)))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", encodedSubject))
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

func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return provider.NewError("gmail", provider.ErrAuthFailed, "token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") || strings.Contains(apiErr.Message, "rateLimitExceeded") {
				return provider.NewError("gmail", provider.ErrRateLimited, "rate limit exceeded", err, true)
			}
			return provider.NewError("gmail", provider.ErrAuthFailed, "access denied", err, false)
		case 404:
			// History API returns 404 when the startHistoryId is too old
			return provider.NewError("gmail", provider.ErrStaleCursor, "history id expired", err, false)
		case 429:
			return provider.NewError("gmail", provider.ErrRateLimited, "too many requests", err, true)
		case 500, 502, 503:
			return provider.NewError("gmail", provider.ErrUnavailable, "server error", err, true)
		}
	}

	return provider.NewError("gmail", provider.ErrUnavailable, defaultMsg, err, true)
}

func convertMessage(msg *gmail.Message) provider.RawMessage {
	headers := msg.Payload.Headers
	textBody, htmlBody := extractBodies(msg.Payload)

	return provider.RawMessage{
		ExternalID: msg.Id,
		From:       getHeader(headers, "From"),
		To:         splitAddresses(getHeader(headers, "To")),
		Cc:         splitAddresses(getHeader(headers, "Cc")),
		Bcc:        splitAddresses(getHeader(headers, "Bcc")),
		Subject:    getHeader(headers, "Subject"),
		TextBody:   textBody,
		HTMLBody:   htmlBody,
		SentAt:     time.UnixMilli(msg.InternalDate),
	}
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if header.Name == name {
			return header.Value
		}
	}
	return ""
}

func splitAddresses(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func extractBodies(payload *gmail.MessagePart) (textBody, htmlBody string) {
	if payload.Body != nil && payload.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err == nil {
			if payload.MimeType == "text/html" {
				return "", string(data)
			}
			return string(data), ""
		}
	}

	var findBody func(parts []*gmail.MessagePart)
	findBody = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.Body != nil && part.Body.Data != "" {
				data, err := base64.URLEncoding.DecodeString(part.Body.Data)
				if err == nil {
					switch part.MimeType {
					case "text/html":
						htmlBody = string(data)
					case "text/plain":
						textBody = string(data)
					}
				}
			}
			if len(part.Parts) > 0 {
				findBody(part.Parts)
			}
		}
	}
	findBody(payload.Parts)
	return textBody, htmlBody
}
