package collector

import "fmt"

// AuthError means token acquisition failed for one tenant. It isolates to
// that tenant and never aborts a multi-tenant batch.
type AuthError struct {
	Tenant string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for tenant %s: %v", e.Tenant, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError records a failed best-effort side fetch (MIME or attachments)
// for one message. Always non-fatal; the message record proceeds with
// whatever was retrieved.
type FetchError struct {
	MessageID string
	Kind      string // "mime" or "attachments"
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for message %s: %v", e.Kind, e.MessageID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
