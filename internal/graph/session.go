package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/Meridian-dev/m365-vault-infra/internal/collector"
)

const loginAuthority = "https://login.microsoftonline.com"

var graphScopes = []string{"https://graph.microsoft.com/.default"}

// Session is a per-tenant Graph connection. Directory calls go through the
// typed SDK; message calls go through the raw client because the collector
// needs verbatim payloads and control over the listing URL.
type Session struct {
	rest *Client
	sdk  *msgraphsdk.GraphServiceClient
}

// Dial acquires an app-only token for the tenant via the OAuth2 client
// credentials flow and returns a Session bound to it. The token fetch happens
// eagerly so an invalid credential fails here, not mid-collection.
func Dial(ctx context.Context, t collector.Tenant) (collector.Mailbox, error) {
	cc := &clientcredentials.Config{
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", loginAuthority, t.TenantID),
		Scopes:       graphScopes,
	}

	source := oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
	if _, err := source.Token(); err != nil {
		return nil, fmt.Errorf("acquire token for tenant %s: %w", t.TenantID, err)
	}

	sdk, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenSourceCredential{source: source}, []string{})
	if err != nil {
		return nil, fmt.Errorf("create Graph client: %w", err)
	}

	return &Session{
		rest: &Client{HTTP: oauth2.NewClient(ctx, source), BaseURL: DefaultBaseURL},
		sdk:  sdk,
	}, nil
}

// ListUsers enumerates the tenant directory to completion, following the
// server's nextLink. No quota applies; the listing is bounded by directory
// size.
func (s *Session) ListUsers(ctx context.Context, fn func(collector.User) error) error {
	cfg := &users.UsersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UsersRequestBuilderGetQueryParameters{
			Select: []string{"id", "displayName", "userPrincipalName"},
			Top:    int32Ptr(DefaultPageSize),
		},
	}

	result, err := s.sdk.Users().Get(ctx, cfg)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	for {
		for _, u := range result.GetValue() {
			if err := fn(userFrom(u)); err != nil {
				return err
			}
		}

		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			return nil
		}

		result, err = users.NewUsersRequestBuilder(*next, s.sdk.GetAdapter()).Get(ctx, nil)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
	}
}

// HasMailbox probes the user's Inbox folder. Users without an Exchange
// mailbox answer 404 here.
func (s *Session) HasMailbox(ctx context.Context, userID string) (bool, error) {
	_, err := s.sdk.Users().ByUserId(userID).MailFolders().ByMailFolderId("inbox").Get(ctx, nil)
	if err == nil {
		return true, nil
	}

	var oe *odataerrors.ODataError
	if errors.As(err, &oe) && oe.ResponseStatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("mailbox probe for %s: %w", userID, err)
}

// ListMessages walks the user's message listing with the quota paginator.
func (s *Session) ListMessages(ctx context.Context, userID string, quota int, fn func(json.RawMessage) error) error {
	return s.rest.List(ctx, "/users/"+url.PathEscape(userID)+"/messages", nil, quota, fn)
}

// FetchMIME fetches the raw MIME blob for one message.
func (s *Session) FetchMIME(ctx context.Context, userID, messageID string) ([]byte, error) {
	return s.rest.Get(ctx, "/users/"+url.PathEscape(userID)+"/messages/"+url.PathEscape(messageID)+"/$value")
}

// ListAttachments fetches the attachment set for one message. Attachments
// without contentBytes come back metadata-only.
func (s *Session) ListAttachments(ctx context.Context, userID, messageID string) ([]collector.Attachment, error) {
	resource := "/users/" + url.PathEscape(userID) + "/messages/" + url.PathEscape(messageID) + "/attachments"

	var atts []collector.Attachment
	err := s.rest.List(ctx, resource, nil, 0, func(raw json.RawMessage) error {
		atts = append(atts, parseAttachment(raw))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return atts, nil
}

func parseAttachment(raw json.RawMessage) collector.Attachment {
	var meta struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		ContentType  string `json:"contentType"`
		ContentBytes string `json:"contentBytes"`
	}
	_ = json.Unmarshal(raw, &meta)

	att := collector.Attachment{
		Name:        meta.Name,
		ContentType: meta.ContentType,
		Metadata:    raw,
	}
	if att.Name == "" {
		att.Name = meta.ID
	}
	if meta.ContentBytes != "" {
		if decoded, err := base64.StdEncoding.DecodeString(meta.ContentBytes); err == nil {
			att.Content = decoded
		}
	}
	return att
}

func userFrom(u models.Userable) collector.User {
	var out collector.User
	if id := u.GetId(); id != nil {
		out.ID = *id
	}
	if name := u.GetDisplayName(); name != nil {
		out.DisplayName = *name
	}
	if upn := u.GetUserPrincipalName(); upn != nil {
		out.UserPrincipalName = *upn
	}
	return out
}

// tokenSourceCredential bridges an oauth2 token source into the Azure
// credential interface the Graph SDK expects.
type tokenSourceCredential struct {
	source oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.source.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
