package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 30 * time.Second

// Client is a thin HTTP client for the mailbox service. It is safe for
// concurrent use; the poll workers share one instance.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(baseURL, authToken string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		log:        log.With().Str("component", "mailclient").Logger(),
	}
}

// ListIdentities fetches the authoritative directory of registered identities.
func (c *Client) ListIdentities(ctx context.Context) ([]DirectoryEntry, error) {
	var resp struct {
		Identities []DirectoryEntry `json:"identities"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/identities", nil, &resp); err != nil {
		return nil, err
	}
	entries := resp.Identities[:0]
	for _, entry := range resp.Identities {
		if err := entry.Validate(); err != nil {
			c.log.Warn().Err(err).Str("display_name", entry.DisplayName).
				Msg("Dropping invalid directory entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// FetchInbox returns the messages in alias's inbox newer than sinceID.
// An empty sinceID fetches the whole inbox view.
func (c *Client) FetchInbox(ctx context.Context, alias, sinceID string) ([]InboxMessage, error) {
	path := "/v1/inbox/" + url.PathEscape(alias)
	if sinceID != "" {
		path += "?since=" + url.QueryEscape(sinceID)
	}
	var resp struct {
		Messages []InboxMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	messages := resp.Messages[:0]
	for _, msg := range resp.Messages {
		if err := msg.Validate(); err != nil {
			c.log.Warn().Err(err).Str("alias", alias).Msg("Dropping invalid inbox message")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// RegisterIdentity registers desiredName and returns the alias the service
// actually assigned, which may differ from the requested name.
func (c *Client) RegisterIdentity(ctx context.Context, desiredName string, metadata map[string]string) (string, error) {
	req := map[string]any{
		"desired_name": desiredName,
		"metadata":     metadata,
	}
	var resp struct {
		Alias string `json:"assigned_alias"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/identities", req, &resp); err != nil {
		return "", err
	}
	if resp.Alias == "" {
		return "", fmt.Errorf("%w: register returned empty alias", ErrBadResponse)
	}
	return resp.Alias, nil
}

// SendMessage delivers msg into the recipients' mailboxes.
func (c *Client) SendMessage(ctx context.Context, msg *OutgoingMessage) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/messages", msg, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mailbox service request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return ErrIdentityNotFound
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mailbox service %s %s: HTTP %d: %s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}
