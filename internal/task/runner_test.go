package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Meridian-dev/m365-vault-infra/internal/collector"
	"github.com/Meridian-dev/m365-vault-infra/internal/snapstore"
)

// stubMailbox serves one user with a fixed message set.
type stubMailbox struct {
	tenant   string
	messages []map[string]any
}

func (m *stubMailbox) ListUsers(ctx context.Context, fn func(collector.User) error) error {
	return fn(collector.User{ID: "u1", UserPrincipalName: "user@" + m.tenant + ".test"})
}

func (m *stubMailbox) HasMailbox(ctx context.Context, userID string) (bool, error) {
	return true, nil
}

func (m *stubMailbox) ListMessages(ctx context.Context, userID string, quota int, fn func(json.RawMessage) error) error {
	for i, msg := range m.messages {
		if quota > 0 && i >= quota {
			return nil
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	return nil
}

func (m *stubMailbox) FetchMIME(ctx context.Context, userID, messageID string) ([]byte, error) {
	return []byte("MIME-Version: 1.0\r\n"), nil
}

func (m *stubMailbox) ListAttachments(ctx context.Context, userID, messageID string) ([]collector.Attachment, error) {
	return nil, nil
}

func stubMessages(tenant string, n int) []map[string]any {
	msgs := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, map[string]any{
			"id":               fmt.Sprintf("%s-msg-%d", tenant, i),
			"subject":          fmt.Sprintf("%s subject %d", tenant, i),
			"receivedDateTime": fmt.Sprintf("2024-01-0%dT00:00:00Z", i+1),
		})
	}
	return msgs
}

func openRunnerStore(t *testing.T) *snapstore.Store {
	t.Helper()
	s, err := snapstore.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// waitTerminal blocks until the task reaches a terminal state.
func waitTerminal(t *testing.T, tr *Tracker, id string) Status {
	t.Helper()

	ch, cancel, ok := tr.Subscribe(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	defer cancel()

	deadline := time.After(5 * time.Second)
	var last Status
	for {
		select {
		case st, open := <-ch:
			if !open {
				return last
			}
			last = st
		case <-deadline:
			t.Fatalf("task %s never reached a terminal state, last %+v", id, last)
		}
	}
}

func TestBackupTenantSucceeds(t *testing.T) {
	store := openRunnerStore(t)
	dial := func(ctx context.Context, tn collector.Tenant) (collector.Mailbox, error) {
		return &stubMailbox{tenant: tn.Name, messages: stubMessages(tn.Name, 3)}, nil
	}
	r := NewRunner(store, dial, NewTracker(nil))

	id := r.BackupTenant(
		collector.Tenant{Name: "acme", TenantID: "tid", ClientID: "cid", ClientSecret: "sec"},
		collector.Options{},
	)

	st := waitTerminal(t, r.Tracker(), id)
	if st.State != StateSuccess {
		t.Fatalf("task ended %s (%s), want SUCCESS", st.State, st.Error)
	}

	result, ok := st.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want map", st.Result)
	}
	if result["messages_collected"] != 3 || result["messages_inserted"] != 3 {
		t.Errorf("result = %v", result)
	}

	snaps, err := store.ListSnapshots(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].MessageCount != 3 {
		t.Errorf("snapshots = %+v, want one with 3 messages", snaps)
	}
}

func TestBackupTenantAuthFailureCompletesEmpty(t *testing.T) {
	store := openRunnerStore(t)
	dial := func(ctx context.Context, tn collector.Tenant) (collector.Mailbox, error) {
		return nil, errors.New("invalid_client")
	}
	r := NewRunner(store, dial, NewTracker(nil))

	id := r.BackupTenant(
		collector.Tenant{Name: "acme", TenantID: "tid", ClientID: "cid", ClientSecret: "bad"},
		collector.Options{},
	)

	st := waitTerminal(t, r.Tracker(), id)
	if st.State != StateSuccess {
		t.Fatalf("task ended %s, want SUCCESS with zero messages", st.State)
	}

	result := st.Result.(map[string]any)
	if result["messages_collected"] != 0 {
		t.Errorf("result = %v, want zero collected", result)
	}
	if _, ok := result["error"]; !ok {
		t.Errorf("result = %v, want the auth failure on record", result)
	}

	snaps, err := store.ListSnapshots(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("snapshots = %d, want none for an empty run", len(snaps))
	}
}

func TestBackupAllTenantsIsolatesFailures(t *testing.T) {
	store := openRunnerStore(t)
	ctx := context.Background()

	if _, err := store.CreateTenant(ctx, "acme", "tid-acme", "cid", "sec"); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if _, err := store.CreateTenant(ctx, "broken", "tid-broken", "cid", "sec"); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	dial := func(dctx context.Context, tn collector.Tenant) (collector.Mailbox, error) {
		if tn.Name == "broken" {
			return nil, errors.New("invalid_client")
		}
		return &stubMailbox{tenant: tn.Name, messages: stubMessages(tn.Name, 2)}, nil
	}
	r := NewRunner(store, dial, NewTracker(nil))

	id := r.BackupAllTenants(collector.Options{Label: "nightly"})

	st := waitTerminal(t, r.Tracker(), id)
	if st.State != StateSuccess {
		t.Fatalf("task ended %s (%s), want SUCCESS", st.State, st.Error)
	}

	result := st.Result.(map[string]any)
	if result["messages_inserted"] != 2 {
		t.Errorf("result = %v, want 2 inserted from the healthy tenant", result)
	}

	perTenant := result["tenant_results"].([]map[string]any)
	if len(perTenant) != 2 {
		t.Fatalf("tenant_results = %v", perTenant)
	}
	for _, entry := range perTenant {
		switch entry["name"] {
		case "acme":
			if entry["success"] != true || entry["messages"] != 2 {
				t.Errorf("acme entry = %v", entry)
			}
		case "broken":
			if entry["success"] != false {
				t.Errorf("broken entry = %v", entry)
			}
		default:
			t.Errorf("unexpected tenant entry %v", entry)
		}
	}
}

func TestBackupAllTenantsWithEmptyRegistryFails(t *testing.T) {
	store := openRunnerStore(t)
	dial := func(ctx context.Context, tn collector.Tenant) (collector.Mailbox, error) {
		t.Error("dial called with no tenants registered")
		return nil, errors.New("unreachable")
	}
	r := NewRunner(store, dial, NewTracker(nil))

	st := waitTerminal(t, r.Tracker(), r.BackupAllTenants(collector.Options{}))
	if st.State != StateFailure {
		t.Errorf("task ended %s, want FAILURE when nothing is registered", st.State)
	}
}

func TestProgressMilestones(t *testing.T) {
	store := openRunnerStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		if _, err := store.CreateTenant(ctx, name, "tid-"+name, "cid", "sec"); err != nil {
			t.Fatalf("CreateTenant: %v", err)
		}
	}

	dial := func(dctx context.Context, tn collector.Tenant) (collector.Mailbox, error) {
		return &stubMailbox{tenant: tn.Name, messages: stubMessages(tn.Name, 1)}, nil
	}
	r := NewRunner(store, dial, NewTracker(nil))

	id := r.BackupAllTenants(collector.Options{})
	waitTerminal(t, r.Tracker(), id)

	progress := map[string]int{}
	for _, h := range r.Tracker().History(id) {
		if h.State == StateProgress {
			progress[h.Stage] = h.Progress
		}
	}
	if progress["starting"] != 5 || progress["storing"] != 85 {
		t.Errorf("milestones = %v", progress)
	}
	// Second of two tenants lands at 10 + 1*70/2.
	if progress["backing_up"] != 45 {
		t.Errorf("backing_up progress = %d, want 45", progress["backing_up"])
	}
}
