package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// UserResult is the per-user outcome inside a tenant run. Failure isolation
// is explicit: a non-nil Err never stopped the remaining users.
type UserResult struct {
	Principal string
	Messages  int
	Err       error
}

// TenantResult aggregates one tenant's collection run. Err is set only for
// tenant-level failures (authentication or user enumeration); per-user and
// per-fetch failures live in UserResults and FetchErrors.
type TenantResult struct {
	Tenant      string
	Messages    []CollectedMessage
	UsersSeen   int
	UserResults []UserResult
	FetchErrors []FetchError
	Err         error
}

// TenantCollector runs collection for whole tenants. Independent tenants may
// be collected in parallel; a TenantCollector holds no per-run state.
type TenantCollector struct {
	Dial Dialer
}

// CollectTenant harvests every mailbox-bearing user of one tenant and
// returns the aggregate. It never returns an error value: a tenant-level
// failure is recorded in the result so one bad tenant cannot abort a
// multi-tenant batch.
func (tc *TenantCollector) CollectTenant(ctx context.Context, t Tenant, opts Options) *TenantResult {
	res := &TenantResult{Tenant: t.Name}

	if t.TenantID == "" || t.ClientID == "" || t.ClientSecret == "" {
		res.Err = &AuthError{Tenant: t.Name, Err: errors.New("missing credentials")}
		log.Printf("Missing credentials for tenant %s", t.Name)
		return res
	}

	mb, err := tc.Dial(ctx, t)
	if err != nil {
		res.Err = &AuthError{Tenant: t.Name, Err: err}
		log.Printf("Failed to acquire token for tenant %s: %v", t.Name, err)
		return res
	}

	// Enumerate the directory to completion first. No partial user lists: a
	// listing failure aborts this tenant.
	var users []User
	if err := mb.ListUsers(ctx, func(u User) error {
		users = append(users, u)
		return nil
	}); err != nil {
		res.Err = fmt.Errorf("list users for tenant %s: %w", t.Name, err)
		log.Printf("Failed to list users for tenant %s: %v", t.Name, err)
		return res
	}
	res.UsersSeen = len(users)
	log.Printf("Found %d users for tenant %s", len(users), t.Name)

	for _, u := range users {
		principal := u.UserPrincipalName
		if principal == "" {
			principal = u.ID
		}

		ok, err := mb.HasMailbox(ctx, u.ID)
		if err != nil {
			log.Printf("Mailbox probe failed for %s: %v", principal, err)
			continue
		}
		if !ok {
			continue
		}

		msgs, fetchErrs, err := CollectMailbox(ctx, mb, t.Name, u, opts)
		if err != nil {
			log.Printf("Error collecting mailbox %s: %v", principal, err)
		}

		// Partial results from a failed user still count.
		res.Messages = append(res.Messages, msgs...)
		res.FetchErrors = append(res.FetchErrors, fetchErrs...)
		res.UserResults = append(res.UserResults, UserResult{
			Principal: principal,
			Messages:  len(msgs),
			Err:       err,
		})
	}

	return res
}
