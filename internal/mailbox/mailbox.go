// Package mailbox wraps IMAP access to the receipt inbox. The pipeline
// only needs unseen-message discovery, raw message retrieval, and the
// seen-flag acknowledgement, so the client surface stays that small.
package mailbox

import "context"

// Client is the mail server surface the pipeline consumes. Message ids
// are mailbox UIDs rendered as decimal strings and are stable for the
// lifetime of the mailbox.
type Client interface {
	// SearchUnseen lists ids of messages not yet marked seen.
	SearchUnseen(ctx context.Context) ([]string, error)
	// FetchRaw returns the full RFC 5322 message body.
	FetchRaw(ctx context.Context, id string) ([]byte, error)
	// MarkSeen flags the message so later searches skip it.
	MarkSeen(ctx context.Context, id string) error
	Close() error
}
