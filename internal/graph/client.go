// Package graph talks to Microsoft Graph: a raw REST client for the message
// surface (paged listings with quota enforcement, MIME and attachment
// fetches) and an SDK-backed session for directory enumeration.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// DefaultPageSize is the $top used when no quota shrinks it.
	DefaultPageSize = 100
)

// Client is a thin REST client over the Graph message surface. The zero
// value is not usable; HTTP must carry the tenant's bearer credential.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

// ListingError reports a non-success response from a paged listing. Items
// delivered before the failure stand; the caller owns any retry.
type ListingError struct {
	Resource   string
	StatusCode int
	Body       string
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("graph: listing %s: status %d: %s", e.Resource, e.StatusCode, e.Body)
}

// NotFoundError reports a 404 on a single-resource fetch.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("graph: %s not found", e.Resource)
}

// page mirrors the Graph collection envelope. The nextLink is opaque; it is
// followed verbatim, never inspected.
type page struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// List walks a paged listing under resource, invoking fn once per item in
// server order. quota <= 0 means unbounded. With a bounded quota the first
// page requests min(DefaultPageSize, quota) items, a running remainder is
// kept, pagination stops before fetching once the remainder hits zero, and a
// continuation whose remainder is below the page size has its $top rewritten
// so the server never over-delivers past the quota.
//
// On a non-success response the walk stops and a *ListingError is returned;
// no retry happens here.
func (c *Client) List(ctx context.Context, resource string, query url.Values, quota int, fn func(json.RawMessage) error) error {
	pageSize := DefaultPageSize
	if quota > 0 && quota < pageSize {
		pageSize = quota
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("$top", strconv.Itoa(pageSize))

	next := c.baseURL() + resource + "?" + query.Encode()
	remaining := quota

	for next != "" {
		p, err := c.fetchPage(ctx, next, resource)
		if err != nil {
			return err
		}

		for _, item := range p.Value {
			if quota > 0 && remaining <= 0 {
				return nil
			}
			if err := fn(item); err != nil {
				return err
			}
			remaining--
		}

		if p.NextLink == "" {
			return nil
		}
		if quota > 0 && remaining <= 0 {
			return nil
		}

		next = p.NextLink
		if quota > 0 && remaining < pageSize {
			// Shrink only the page-size parameter of the continuation; the
			// skiptoken inside it stays untouched.
			if rewritten, err := rewriteTop(p.NextLink, remaining); err == nil {
				next = rewritten
			}
		}
	}

	return nil
}

// Get fetches a single resource as raw bytes, e.g. a message's MIME via
// /$value. A 404 yields *NotFoundError so callers can treat it as non-fatal.
func (c *Client) Get(ctx context.Context, resource string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+resource, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{Resource: resource}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: status %d: %s", resource, resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

func (c *Client) fetchPage(ctx context.Context, pageURL, resource string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page of %s: %w", resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ListingError{Resource: resource, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode page of %s: %w", resource, err)
	}

	return &p, nil
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

func rewriteTop(link string, top int) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("$top", strconv.Itoa(top))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
