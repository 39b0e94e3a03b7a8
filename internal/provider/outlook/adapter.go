package outlook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"unibox-backend/internal/mail/domain"
	"unibox-backend/internal/provider"
)

// Adapter implements provider.Adapter for Outlook via Microsoft Graph. Graph
// access here carries no usable incremental cursor, so every fetch is a full
// window of the most recent messages; the dedup key downstream makes that
// idempotent.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

// staticTokenCredential implements the Azure credential interface around the
// account's stored access token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func (a *Adapter) client(account *domain.Account) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: account.AccessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// FetchIncremental delegates to FetchFull; the result is marked as a full
// sync so callers log the degraded path.
func (a *Adapter) FetchIncremental(ctx context.Context, account *domain.Account) (*provider.FetchResult, error) {
	return a.FetchFull(ctx, account)
}

func (a *Adapter) FetchFull(ctx context.Context, account *domain.Account) (*provider.FetchResult, error) {
	client, err := a.client(account)
	if err != nil {
		return nil, err
	}

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(provider.FullFetchLimit),
			Select:  []string{"id", "subject", "from", "toRecipients", "ccRecipients", "body", "receivedDateTime"},
			Orderby: []string{"receivedDateTime desc"},
		},
	}

	result, err := client.Me().Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, wrapError(err, "failed to list messages")
	}

	values := result.GetValue()
	messages := make([]provider.RawMessage, 0, len(values))
	for _, msg := range values {
		messages = append(messages, normalizeMessage(msg))
	}

	return &provider.FetchResult{
		Messages:    messages,
		WasFullSync: true,
	}, nil
}

func (a *Adapter) Send(ctx context.Context, account *domain.Account, msg *provider.OutgoingMessage) (*provider.SendResult, error) {
	client, err := a.client(account)
	if err != nil {
		return nil, err
	}

	message := models.NewMessage()
	message.SetSubject(&msg.Subject)

	body := models.NewItemBody()
	if msg.HTMLBody != "" {
		contentType := models.HTML_BODYTYPE
		body.SetContentType(&contentType)
		body.SetContent(&msg.HTMLBody)
	} else {
		contentType := models.TEXT_BODYTYPE
		body.SetContentType(&contentType)
		body.SetContent(&msg.TextBody)
	}
	message.SetBody(body)

	message.SetToRecipients(buildRecipients(msg.To))
	message.SetCcRecipients(buildRecipients(msg.Cc))
	message.SetBccRecipients(buildRecipients(msg.Bcc))

	requestBody := users.NewItemSendMailPostRequestBody()
	requestBody.SetMessage(message)
	saveToSentItems := true
	requestBody.SetSaveToSentItems(&saveToSentItems)

	if err := client.Me().SendMail().Post(ctx, requestBody, nil); err != nil {
		return nil, wrapError(err, "failed to send message")
	}

	// Graph sendMail does not return the created message id
	return &provider.SendResult{SentAt: time.Now()}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, account *domain.Account) error {
	client, err := a.client(account)
	if err != nil {
		return err
	}
	if _, err := client.Me().Get(ctx, nil); err != nil {
		return wrapError(err, "failed to get profile")
	}
	return nil
}

func normalizeMessage(m models.Messageable) provider.RawMessage {
	raw := provider.RawMessage{}

	if id := m.GetId(); id != nil {
		raw.ExternalID = *id
	}
	if subject := m.GetSubject(); subject != nil {
		raw.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				raw.From = *addr
			}
		}
	}
	raw.To = extractAddresses(m.GetToRecipients())
	raw.Cc = extractAddresses(m.GetCcRecipients())
	raw.Bcc = extractAddresses(m.GetBccRecipients())

	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
				raw.HTMLBody = *content
			} else {
				raw.TextBody = *content
			}
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.SentAt = *rcvd
	}

	return raw
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func buildRecipients(addrs []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, addr := range addrs {
		a := addr
		email := models.NewEmailAddress()
		email.SetAddress(&a)
		recipient := models.NewRecipient()
		recipient.SetEmailAddress(email)
		out = append(out, recipient)
	}
	return out
}

func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "InvalidAuthenticationToken"):
		return provider.NewError("outlook", provider.ErrAuthFailed, "token rejected", err, false)
	case strings.Contains(msg, "429") || strings.Contains(msg, "TooManyRequests"):
		return provider.NewError("outlook", provider.ErrRateLimited, "rate limit exceeded", err, true)
	case strings.Contains(msg, "503") || strings.Contains(msg, "504"):
		return provider.NewError("outlook", provider.ErrUnavailable, "service unavailable", err, true)
	}
	return provider.NewError("outlook", provider.ErrUnavailable, defaultMsg, err, true)
}

func int32Ptr(i int32) *int32 {
	return &i
}
