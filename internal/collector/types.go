// Package collector pulls mailbox data out of Microsoft Graph on a per-tenant,
// per-user basis and produces in-memory message records ready for snapshotting.
package collector

import (
	"context"
	"encoding/json"
)

// Tenant carries the credentials needed to collect one tenant. Copies are
// read-only; the tenant registry owns the originals. The secret must never be
// logged.
type Tenant struct {
	Name         string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// User is a directory entry resolved at collection time. Not persisted.
type User struct {
	ID                string
	DisplayName       string
	UserPrincipalName string
}

// Attachment is one attachment of a collected message. Content is nil when
// the provider returned no contentBytes, in which case only Metadata is kept.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
	Metadata    json.RawMessage
}

// CollectedMessage is one harvested message. Immutable once produced; held in
// memory until the whole batch is persisted as a snapshot.
type CollectedMessage struct {
	Tenant        string
	UserPrincipal string
	MessageID     string
	Payload       map[string]any
	Raw           json.RawMessage
	MIME          []byte
	Attachments   []Attachment
}

// Options controls one collection run.
type Options struct {
	// MailsPerUser caps messages collected per mailbox. Zero or negative
	// means unbounded.
	MailsPerUser int
	// DownloadAttachments enables the per-message attachment fetch.
	DownloadAttachments bool
	// Label is attached to the snapshot produced from this run.
	Label string
}

// Mailbox is the per-tenant Graph surface the collector drives. Implemented
// by graph.Session; faked in tests.
type Mailbox interface {
	// ListUsers enumerates the tenant directory to completion, in server
	// order. No quota applies here.
	ListUsers(ctx context.Context, fn func(User) error) error
	// HasMailbox probes whether the user has a mailbox the API can reach.
	HasMailbox(ctx context.Context, userID string) (bool, error)
	// ListMessages walks the user's message listing. quota <= 0 is unbounded.
	ListMessages(ctx context.Context, userID string, quota int, fn func(json.RawMessage) error) error
	// FetchMIME fetches the raw MIME blob for one message.
	FetchMIME(ctx context.Context, userID, messageID string) ([]byte, error)
	// ListAttachments fetches the attachment set for one message.
	ListAttachments(ctx context.Context, userID, messageID string) ([]Attachment, error)
}

// Dialer acquires a token for the tenant and returns a Mailbox bound to it.
// A Dialer error means authentication failed for that tenant.
type Dialer func(ctx context.Context, t Tenant) (Mailbox, error)
