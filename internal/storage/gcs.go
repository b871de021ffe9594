package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultGCSEndpoint is the production storage API endpoint.
const DefaultGCSEndpoint = "https://storage.googleapis.com"

// GCS talks to the storage JSON API with a bearer token. Conditional
// creation uses the rewrite call with ifGenerationMatch=0; the server
// rejects the write with 412 when the destination already exists.
type GCS struct {
	base   string
	token  string
	client *http.Client
}

// NewGCS returns a GCS store against endpoint (DefaultGCSEndpoint if empty)
// authorized by token. A nil client uses http.DefaultClient.
func NewGCS(endpoint, token string, client *http.Client) *GCS {
	if endpoint == "" {
		endpoint = DefaultGCSEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GCS{base: strings.TrimRight(endpoint, "/"), token: token, client: client}
}

func (g *GCS) EnsureBucket(ctx context.Context, bucket, projectID string) error {
	body, err := json.Marshal(map[string]string{"name": bucket})
	if err != nil {
		return fmt.Errorf("marshal bucket request: %w", err)
	}
	target := fmt.Sprintf("%s/storage/v1/b?project=%s", g.base, url.QueryEscape(projectID))
	resp, err := g.do(ctx, http.MethodPost, target, bytes.NewReader(body), "application/json")
	if err != nil {
		return fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		// Already exists; idempotent create.
		return nil
	default:
		return fmt.Errorf("create bucket %q: %s", bucket, responseError(resp))
	}
}

func (g *GCS) VerifyOwner(ctx context.Context, bucket, expected string) error {
	target := fmt.Sprintf("%s/storage/v1/b/%s?fields=projectNumber", g.base, url.PathEscape(bucket))
	resp, err := g.do(ctx, http.MethodGet, target, nil, "")
	if err != nil {
		return fmt.Errorf("get bucket %q: %w", bucket, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get bucket %q: %s", bucket, responseError(resp))
	}

	var meta struct {
		ProjectNumber string `json:"projectNumber"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return fmt.Errorf("decode bucket %q metadata: %w", bucket, err)
	}
	if strings.TrimSpace(meta.ProjectNumber) != strings.TrimSpace(expected) {
		return fmt.Errorf("bucket %q belongs to project %s, expected %s: %w",
			bucket, meta.ProjectNumber, expected, ErrOwnerMismatch)
	}
	return nil
}

func (g *GCS) Download(ctx context.Context, bucket, key string, dst io.Writer) (int64, error) {
	target := fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media",
		g.base, url.PathEscape(bucket), url.PathEscape(key))
	resp, err := g.do(ctx, http.MethodGet, target, nil, "")
	if err != nil {
		return 0, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, fmt.Errorf("download %s/%s: %w", bucket, key, ErrNotFound)
	default:
		return 0, fmt.Errorf("download %s/%s: %s", bucket, key, responseError(resp))
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return n, nil
}

func (g *GCS) CopyIfAbsent(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (bool, error) {
	base := fmt.Sprintf("%s/storage/v1/b/%s/o/%s/rewriteTo/b/%s/o/%s?ifGenerationMatch=0",
		g.base, url.PathEscape(srcBucket), url.PathEscape(srcKey),
		url.PathEscape(dstBucket), url.PathEscape(dstKey))

	// Large objects require multiple rewrite calls chained by token.
	rewriteToken := ""
	for {
		target := base
		if rewriteToken != "" {
			target += "&rewriteToken=" + url.QueryEscape(rewriteToken)
		}
		resp, err := g.do(ctx, http.MethodPost, target, nil, "")
		if err != nil {
			return false, fmt.Errorf("copy %s/%s: %w", srcBucket, srcKey, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusPreconditionFailed:
			// Destination already exists; another writer won the race.
			resp.Body.Close()
			return false, nil
		default:
			msg := responseError(resp)
			resp.Body.Close()
			return false, fmt.Errorf("copy %s/%s: %s", srcBucket, srcKey, msg)
		}

		var result struct {
			Done         bool   `json:"done"`
			RewriteToken string `json:"rewriteToken"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			return false, fmt.Errorf("decode rewrite response: %w", err)
		}
		if result.Done {
			return true, nil
		}
		rewriteToken = result.RewriteToken
	}
}

func (g *GCS) do(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return g.client.Do(req)
}

func responseError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, msg)
}
