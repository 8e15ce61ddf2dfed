package mailbridge

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// formatMailEnvelope renders an inbound mailbox message for its agent room.
// The header carries the sender and timestamp so the room transcript is
// attributable without digging into mailbox metadata.
func formatMailEnvelope(sender, subject string, timestamp time.Time, body string) string {
	parts := []string{"Mail"}
	if from := strings.TrimSpace(sender); from != "" {
		parts = append(parts, from)
	}
	if !timestamp.IsZero() {
		parts = append(parts, timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	}
	header := "[" + strings.Join(parts, " ") + "]"
	if subject = strings.TrimSpace(subject); subject != "" {
		header += " " + subject
	}
	if strings.TrimSpace(body) == "" {
		return header
	}
	return header + "\n" + body
}

// envelopePrefixRE matches the [Mail ...] header added by formatMailEnvelope.
var envelopePrefixRE = regexp.MustCompile(`^\[Mail[^\]]*\][^\n]*\n?`)

// stripMailEnvelope removes the envelope header so a chat reply forwarded
// back into the mailbox does not carry nested headers.
func stripMailEnvelope(text string) string {
	return envelopePrefixRE.ReplaceAllString(text, "")
}

// senderContextBlock is the machine-readable attribution prepended to
// inter-agent messages forwarded into the mailbox service. The receiving
// agent's consumer can attribute and reply without re-deriving identity from
// chat metadata. Applied only to the forwarded copy, never to the original
// chat event.
func senderContextBlock(canonicalID, displayName, replyAlias string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[agent-mail sender_id=%q sender_name=%q]\n", canonicalID, displayName)
	fmt.Fprintf(&b, "This message was relayed from another agent's chat room. "+
		"To reply, send a mailbox message addressed to %q; do not reply in this thread's chat room.",
		replyAlias)
	return b.String()
}

// buildForwardBody assembles the chat→mailbox payload. senderIdentity is nil
// for human operators, which get a plain attribution line instead of the
// machine-readable block.
func buildForwardBody(body string, senderCanonicalID, senderDisplayName, replyAlias string) string {
	body = strings.TrimSpace(stripMailEnvelope(body))
	if senderCanonicalID == "" {
		return body
	}
	return senderContextBlock(senderCanonicalID, senderDisplayName, replyAlias) + "\n\n" + body
}
