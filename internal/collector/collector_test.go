package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeMailbox is an in-memory Mailbox for exercising the collectors without
// a Graph endpoint.
type fakeMailbox struct {
	users       []User
	userListErr error

	mailboxes map[string]bool
	probeErr  map[string]error

	messages   map[string][]string // userID -> raw message JSON, in order
	listErr    map[string]error    // returned after delivering that user's items
	quotaSeen  map[string]int
	mimeErr    map[string]error // userID/msgID -> error
	attachErr  map[string]error
	attachSets map[string][]Attachment
	attCalls   int
}

func (f *fakeMailbox) ListUsers(ctx context.Context, fn func(User) error) error {
	for _, u := range f.users {
		if err := fn(u); err != nil {
			return err
		}
	}
	return f.userListErr
}

func (f *fakeMailbox) HasMailbox(ctx context.Context, userID string) (bool, error) {
	if err := f.probeErr[userID]; err != nil {
		return false, err
	}
	return f.mailboxes[userID], nil
}

func (f *fakeMailbox) ListMessages(ctx context.Context, userID string, quota int, fn func(json.RawMessage) error) error {
	if f.quotaSeen == nil {
		f.quotaSeen = map[string]int{}
	}
	f.quotaSeen[userID] = quota

	for i, raw := range f.messages[userID] {
		if quota > 0 && i >= quota {
			return nil
		}
		if err := fn(json.RawMessage(raw)); err != nil {
			return err
		}
	}
	return f.listErr[userID]
}

func (f *fakeMailbox) FetchMIME(ctx context.Context, userID, messageID string) ([]byte, error) {
	if err := f.mimeErr[userID+"/"+messageID]; err != nil {
		return nil, err
	}
	return []byte("MIME-Version: 1.0\r\nSubject: " + messageID + "\r\n"), nil
}

func (f *fakeMailbox) ListAttachments(ctx context.Context, userID, messageID string) ([]Attachment, error) {
	f.attCalls++
	if err := f.attachErr[userID+"/"+messageID]; err != nil {
		return nil, err
	}
	return f.attachSets[userID+"/"+messageID], nil
}

func rawMsg(id string) string {
	return fmt.Sprintf(`{"id":%q,"subject":"subject of %s"}`, id, id)
}

func messageIDs(msgs []CollectedMessage) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
	}
	return ids
}

func TestCollectMailboxPreservesOrder(t *testing.T) {
	mb := &fakeMailbox{
		messages: map[string][]string{"u1": {rawMsg("m1"), rawMsg("m2"), rawMsg("m3")}},
	}
	user := User{ID: "u1", UserPrincipalName: "u1@tenant.test"}

	msgs, fetchErrs, err := CollectMailbox(context.Background(), mb, "acme", user, Options{})
	if err != nil {
		t.Fatalf("CollectMailbox: %v", err)
	}
	if len(fetchErrs) != 0 {
		t.Errorf("fetch errors = %v, want none", fetchErrs)
	}

	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, messageIDs(msgs)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	for _, m := range msgs {
		if m.Tenant != "acme" || m.UserPrincipal != "u1@tenant.test" {
			t.Errorf("message %s mislabeled: tenant=%s principal=%s", m.MessageID, m.Tenant, m.UserPrincipal)
		}
		if len(m.MIME) == 0 {
			t.Errorf("message %s missing MIME", m.MessageID)
		}
	}
}

func TestCollectMailboxMIMEFailureIsNonFatal(t *testing.T) {
	mb := &fakeMailbox{
		messages: map[string][]string{"u1": {rawMsg("m1"), rawMsg("m2")}},
		mimeErr:  map[string]error{"u1/m1": errors.New("boom")},
	}

	msgs, fetchErrs, err := CollectMailbox(context.Background(), mb, "acme", User{ID: "u1"}, Options{})
	if err != nil {
		t.Fatalf("CollectMailbox: %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (failed MIME must not drop the message)", len(msgs))
	}
	if msgs[0].MIME != nil {
		t.Errorf("m1 MIME = %q, want nil after failed fetch", msgs[0].MIME)
	}
	if msgs[1].MIME == nil {
		t.Errorf("m2 MIME missing")
	}

	if len(fetchErrs) != 1 || fetchErrs[0].Kind != "mime" || fetchErrs[0].MessageID != "m1" {
		t.Errorf("fetch errors = %v, want one mime error for m1", fetchErrs)
	}
}

func TestCollectMailboxAttachments(t *testing.T) {
	atts := []Attachment{{Name: "a.pdf", ContentType: "application/pdf", Content: []byte("pdf")}}
	mb := &fakeMailbox{
		messages:   map[string][]string{"u1": {rawMsg("m1")}},
		attachSets: map[string][]Attachment{"u1/m1": atts},
	}

	msgs, _, err := CollectMailbox(context.Background(), mb, "acme", User{ID: "u1"}, Options{DownloadAttachments: true})
	if err != nil {
		t.Fatalf("CollectMailbox: %v", err)
	}
	if diff := cmp.Diff(atts, msgs[0].Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}

	// Without the flag the attachment endpoint is never touched.
	mb2 := &fakeMailbox{messages: map[string][]string{"u1": {rawMsg("m1")}}}
	if _, _, err := CollectMailbox(context.Background(), mb2, "acme", User{ID: "u1"}, Options{}); err != nil {
		t.Fatalf("CollectMailbox: %v", err)
	}
	if mb2.attCalls != 0 {
		t.Errorf("attachment calls = %d, want 0 when disabled", mb2.attCalls)
	}
}

func TestCollectMailboxListingFailureReturnsPartial(t *testing.T) {
	mb := &fakeMailbox{
		messages: map[string][]string{"u1": {rawMsg("m1"), rawMsg("m2")}},
		listErr:  map[string]error{"u1": errors.New("listing broke")},
	}

	msgs, _, err := CollectMailbox(context.Background(), mb, "acme", User{ID: "u1"}, Options{})
	if err == nil {
		t.Fatal("CollectMailbox succeeded, want listing error")
	}
	if len(msgs) != 2 {
		t.Errorf("partial messages = %d, want 2", len(msgs))
	}
}

func newTenant(name string) Tenant {
	return Tenant{Name: name, TenantID: "tid-" + name, ClientID: "cid", ClientSecret: "secret"}
}

func TestCollectTenantAuthFailureIsIsolated(t *testing.T) {
	good := &fakeMailbox{
		users:     []User{{ID: "u1", UserPrincipalName: "u1@b.test"}},
		mailboxes: map[string]bool{"u1": true},
		messages:  map[string][]string{"u1": {rawMsg("m1")}},
	}
	tc := &TenantCollector{Dial: func(ctx context.Context, t Tenant) (Mailbox, error) {
		if t.Name == "bad" {
			return nil, errors.New("invalid_client")
		}
		return good, nil
	}}

	bad := tc.CollectTenant(context.Background(), newTenant("bad"), Options{})
	var authErr *AuthError
	if !errors.As(bad.Err, &authErr) {
		t.Fatalf("bad tenant err = %v, want *AuthError", bad.Err)
	}
	if len(bad.Messages) != 0 {
		t.Errorf("bad tenant collected %d messages, want 0", len(bad.Messages))
	}

	// The failing tenant must not poison the next one.
	ok := tc.CollectTenant(context.Background(), newTenant("ok"), Options{})
	if ok.Err != nil {
		t.Fatalf("ok tenant err = %v", ok.Err)
	}
	if len(ok.Messages) != 1 {
		t.Errorf("ok tenant collected %d messages, want 1", len(ok.Messages))
	}
}

func TestCollectTenantMissingCredentials(t *testing.T) {
	tc := &TenantCollector{Dial: func(ctx context.Context, t Tenant) (Mailbox, error) {
		panic("dial must not be reached without credentials")
	}}

	res := tc.CollectTenant(context.Background(), Tenant{Name: "empty"}, Options{})
	var authErr *AuthError
	if !errors.As(res.Err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", res.Err)
	}
}

func TestCollectTenantUserListingAborts(t *testing.T) {
	mb := &fakeMailbox{
		users:       []User{{ID: "u1"}},
		userListErr: errors.New("directory unavailable"),
		mailboxes:   map[string]bool{"u1": true},
		messages:    map[string][]string{"u1": {rawMsg("m1")}},
	}
	tc := &TenantCollector{Dial: func(ctx context.Context, t Tenant) (Mailbox, error) { return mb, nil }}

	res := tc.CollectTenant(context.Background(), newTenant("acme"), Options{})
	if res.Err == nil {
		t.Fatal("want tenant-level error on user listing failure")
	}
	if len(res.Messages) != 0 {
		t.Errorf("collected %d messages from aborted tenant, want 0 (no partial user lists)", len(res.Messages))
	}
}

func TestCollectTenantSkipsUsersWithoutMailbox(t *testing.T) {
	mb := &fakeMailbox{
		users: []User{
			{ID: "u1", UserPrincipalName: "u1@a.test"},
			{ID: "u2", UserPrincipalName: "u2@a.test"},
		},
		mailboxes: map[string]bool{"u1": true, "u2": false},
		messages:  map[string][]string{"u1": {rawMsg("m1")}},
	}
	tc := &TenantCollector{Dial: func(ctx context.Context, t Tenant) (Mailbox, error) { return mb, nil }}

	res := tc.CollectTenant(context.Background(), newTenant("acme"), Options{})
	if res.Err != nil {
		t.Fatalf("err = %v", res.Err)
	}
	if res.UsersSeen != 2 {
		t.Errorf("users seen = %d, want 2", res.UsersSeen)
	}
	if len(res.UserResults) != 1 || res.UserResults[0].Principal != "u1@a.test" {
		t.Errorf("user results = %+v, want only u1 (u2 skipped, not errored)", res.UserResults)
	}
}

func TestCollectTenantPerUserFailureIsolated(t *testing.T) {
	mb := &fakeMailbox{
		users: []User{
			{ID: "u1", UserPrincipalName: "u1@a.test"},
			{ID: "u2", UserPrincipalName: "u2@a.test"},
		},
		mailboxes: map[string]bool{"u1": true, "u2": true},
		messages: map[string][]string{
			"u1": {rawMsg("m1")},
			"u2": {rawMsg("m2"), rawMsg("m3")},
		},
		listErr: map[string]error{"u1": errors.New("mailbox listing broke")},
	}
	tc := &TenantCollector{Dial: func(ctx context.Context, t Tenant) (Mailbox, error) { return mb, nil }}

	res := tc.CollectTenant(context.Background(), newTenant("acme"), Options{})
	if res.Err != nil {
		t.Fatalf("tenant err = %v, want nil (per-user failure must stay per-user)", res.Err)
	}

	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, messageIDs(res.Messages)); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if res.UserResults[0].Err == nil {
		t.Errorf("u1 result err = nil, want listing error recorded")
	}
	if res.UserResults[1].Err != nil {
		t.Errorf("u2 result err = %v, want nil", res.UserResults[1].Err)
	}
}

func TestCollectTenantForwardsQuota(t *testing.T) {
	mb := &fakeMailbox{
		users:     []User{{ID: "u1", UserPrincipalName: "u1@a.test"}},
		mailboxes: map[string]bool{"u1": true},
		messages:  map[string][]string{"u1": {rawMsg("m1"), rawMsg("m2"), rawMsg("m3")}},
	}
	tc := &TenantCollector{Dial: func(ctx context.Context, t Tenant) (Mailbox, error) { return mb, nil }}

	res := tc.CollectTenant(context.Background(), newTenant("acme"), Options{MailsPerUser: 2})
	if res.Err != nil {
		t.Fatalf("err = %v", res.Err)
	}
	if mb.quotaSeen["u1"] != 2 {
		t.Errorf("quota forwarded = %d, want 2", mb.quotaSeen["u1"])
	}
	if len(res.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(res.Messages))
	}
}
