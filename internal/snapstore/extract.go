package snapstore

import (
	"database/sql"
	"strings"
	"time"
)

// messageFields are the columns extracted from a message payload at persist
// time for easy access without re-parsing raw_json.
type messageFields struct {
	subject        string
	fromAddress    string
	receivedAt     sql.NullTime
	bodyPreview    string
	importance     string
	hasAttachments bool
}

func extractFields(payload map[string]any) messageFields {
	f := messageFields{
		subject:     rawString(payload, "subject"),
		bodyPreview: rawString(payload, "bodyPreview"),
		importance:  rawString(payload, "importance"),
	}
	if f.importance == "" {
		f.importance = "normal"
	}

	if from, ok := payload["from"].(map[string]any); ok {
		f.fromAddress = addressOf(from)
	}

	if v, ok := payload["hasAttachments"].(bool); ok {
		f.hasAttachments = v
	}

	if s := rawString(payload, "receivedDateTime"); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			f.receivedAt = sql.NullTime{Time: ts, Valid: true}
		}
	}

	return f
}

// toAddresses flattens the payload's toRecipients into "a, b, c" for the
// search projection.
func toAddresses(payload map[string]any) string {
	recipients, ok := payload["toRecipients"].([]any)
	if !ok {
		return ""
	}

	var addrs []string
	for _, r := range recipients {
		rec, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if addr := addressOf(rec); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return strings.Join(addrs, ", ")
}

func addressOf(recipient map[string]any) string {
	email, ok := recipient["emailAddress"].(map[string]any)
	if !ok {
		return ""
	}
	addr, _ := email["address"].(string)
	return addr
}

func rawString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
