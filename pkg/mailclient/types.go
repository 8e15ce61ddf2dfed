// Package mailclient talks to the agent-mail directory/mailbox service over
// HTTP. Wire payloads are decoded into tagged structs here at the boundary;
// everything past this package works with internal types.
package mailclient

import (
	"errors"
	"strings"

	"go.mau.fi/util/jsontime"
)

var (
	ErrIdentityNotFound = errors.New("mailbox identity not found")
	ErrBadResponse      = errors.New("malformed mailbox service response")
)

// DirectoryEntry is one row of the service's identity directory. The alias is
// assigned by the service at registration time and may be reassigned if the
// service's storage is reset; it is never assumed stable by callers.
type DirectoryEntry struct {
	Alias       string            `json:"alias"`
	DisplayName string            `json:"display_name"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InboxMessage is one message as surfaced by a recipient's inbox view. A
// multi-recipient message appears independently in every recipient's view
// with the same ID.
type InboxMessage struct {
	ID         string            `json:"message_id"`
	Sender     string            `json:"sender"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Recipients []string          `json:"recipients"`
	Timestamp  jsontime.UnixMilli `json:"timestamp"`
	ThreadID   string            `json:"thread_id,omitempty"`
	Priority   string            `json:"priority,omitempty"`
}

// OutgoingMessage is the payload for SendMessage.
type OutgoingMessage struct {
	Sender   string   `json:"sender"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	ThreadID string   `json:"thread_id,omitempty"`
	ReplyTo  string   `json:"reply_to,omitempty"`
}

// Validate rejects directory rows the bridge cannot key on.
func (e *DirectoryEntry) Validate() error {
	if strings.TrimSpace(e.Alias) == "" {
		return errors.New("directory entry without alias")
	}
	return nil
}

// Validate rejects inbox rows that cannot be tracked in the delivery ledger.
func (m *InboxMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("inbox message without message_id")
	}
	return nil
}
