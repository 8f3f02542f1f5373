package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// GatewayAdapter publishes through a publishing gateway: an HTTP service that
// fronts the social platforms and takes one uniform multipart request.
//
//	POST {base}/v1/accounts/{externalID}/posts
//	Authorization: Bearer {access token}
//	fields: platform, text, scheduled_at (RFC 3339, optional), media (files)
//	-> 2xx {"id": "...", "url": "..."}
type GatewayAdapter struct {
	base       string
	platform   string
	externalID string
	token      string
	caps       Capabilities
	client     *http.Client
}

var _ Adapter = (*GatewayAdapter)(nil)

// NewGatewayAdapter builds an adapter for one account on platform.
func NewGatewayAdapter(base, platform, externalID, token string, caps Capabilities, client *http.Client) *GatewayAdapter {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &GatewayAdapter{
		base:       strings.TrimRight(base, "/"),
		platform:   platform,
		externalID: externalID,
		token:      token,
		caps:       caps,
		client:     client,
	}
}

// Capabilities implements Adapter.
func (a *GatewayAdapter) Capabilities() Capabilities { return a.caps }

// Publish implements Adapter.
func (a *GatewayAdapter) Publish(ctx context.Context, c Content) (Result, error) {
	return a.post(ctx, c, nil)
}

// Schedule implements Adapter.
func (a *GatewayAdapter) Schedule(ctx context.Context, c Content, when time.Time) (Result, error) {
	if !a.caps.SupportsSchedule {
		return Result{}, ErrScheduleUnsupported
	}
	return a.post(ctx, c, &when)
}

type gatewayPost struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

func (a *GatewayAdapter) post(ctx context.Context, c Content, when *time.Time) (Result, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("platform", a.platform)
	_ = w.WriteField("text", c.Text)
	if when != nil {
		_ = w.WriteField("scheduled_at", when.UTC().Format(time.RFC3339))
	}
	for _, m := range c.Media {
		if err := attachFile(w, "media", m); err != nil {
			return Result{}, err
		}
	}
	if err := w.Close(); err != nil {
		return Result{}, err
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/posts", a.base, url.PathEscape(a.externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return Result{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, transportError(err)
	}
	defer resp.Body.Close()

	var out gatewayPost
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)
	if err := classifyStatus(resp.StatusCode, out.Error); err != nil {
		return Result{}, err
	}
	if out.ID == "" {
		return Result{}, fmt.Errorf("%w: gateway returned no post id", ErrTransient)
	}
	return Result{PostID: out.ID, URL: out.URL}, nil
}

// GatewayRefresher refreshes account credentials through the gateway's
// OAuth endpoint.
//
//	POST {base}/v1/oauth/refresh {"platform","account_id","refresh_token"}
//	-> 200 {"access_token","refresh_token","expires_in"}
type GatewayRefresher struct {
	base   string
	client *http.Client
}

var _ CredentialRefresher = (*GatewayRefresher)(nil)

// NewGatewayRefresher builds a refresher against base.
func NewGatewayRefresher(base string, client *http.Client) *GatewayRefresher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &GatewayRefresher{base: strings.TrimRight(base, "/"), client: client}
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// Refresh implements CredentialRefresher.
func (r *GatewayRefresher) Refresh(ctx context.Context, acc domain.Account) (Credentials, error) {
	if acc.RefreshToken == "" {
		return Credentials{}, ErrMissingCredentials
	}
	body, _ := json.Marshal(map[string]string{
		"platform":      acc.Platform,
		"account_id":    acc.ExternalID,
		"refresh_token": acc.RefreshToken,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/v1/oauth/refresh", bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Credentials{}, transportError(err)
	}
	defer resp.Body.Close()

	var out refreshResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)
	if err := classifyStatus(resp.StatusCode, out.Error); err != nil {
		return Credentials{}, err
	}
	if out.AccessToken == "" {
		return Credentials{}, fmt.Errorf("%w: refresh returned no access token", ErrAuthExpired)
	}
	creds := Credentials{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if out.ExpiresIn > 0 {
		exp := time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)
		creds.ExpiresAt = &exp
	}
	return creds, nil
}
