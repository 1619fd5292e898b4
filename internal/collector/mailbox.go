package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// CollectMailbox harvests one user's mailbox: it drives the quota-bounded
// message listing and performs the MIME and attachment side fetches per
// message. Side fetches are best effort; a failure is recorded and logged
// but the message's metadata is still emitted. Listing order is preserved.
//
// A listing failure stops collection for this mailbox and is returned
// alongside the messages gathered so far.
func CollectMailbox(ctx context.Context, mb Mailbox, tenant string, user User, opts Options) ([]CollectedMessage, []FetchError, error) {
	principal := user.UserPrincipalName
	if principal == "" {
		principal = user.ID
	}
	log.Printf("Collecting mailbox %s (%s)", user.DisplayName, principal)

	var (
		msgs      []CollectedMessage
		fetchErrs []FetchError
	)

	listErr := mb.ListMessages(ctx, user.ID, opts.MailsPerUser, func(raw json.RawMessage) error {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("decode message payload: %w", err)
		}
		id, _ := payload["id"].(string)

		msg := CollectedMessage{
			Tenant:        tenant,
			UserPrincipal: principal,
			MessageID:     id,
			Payload:       payload,
			Raw:           append(json.RawMessage(nil), raw...),
		}

		if mime, err := mb.FetchMIME(ctx, user.ID, id); err != nil {
			fetchErrs = append(fetchErrs, FetchError{MessageID: id, Kind: "mime", Err: err})
			log.Printf("Could not fetch raw MIME for %s: %v", id, err)
		} else {
			msg.MIME = mime
		}

		if opts.DownloadAttachments {
			if atts, err := mb.ListAttachments(ctx, user.ID, id); err != nil {
				fetchErrs = append(fetchErrs, FetchError{MessageID: id, Kind: "attachments", Err: err})
				log.Printf("Failed to fetch attachments for %s: %v", id, err)
			} else {
				msg.Attachments = atts
			}
		}

		msgs = append(msgs, msg)
		return nil
	})

	return msgs, fetchErrs, listErr
}
