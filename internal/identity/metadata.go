package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	tokenPath         = "/computeMetadata/v1/instance/service-accounts/default/token"
	projectIDPath     = "/computeMetadata/v1/project/project-id"
	projectNumberPath = "/computeMetadata/v1/project/numeric-project-id"

	flavorHeader = "Metadata-Flavor"
	flavorValue  = "Google"
)

// Metadata obtains a credential from the instance metadata service.
type Metadata struct {
	base   string
	client *http.Client
}

// NewMetadata returns a Metadata source against baseURL. A nil client uses
// http.DefaultClient.
func NewMetadata(baseURL string, client *http.Client) *Metadata {
	if client == nil {
		client = http.DefaultClient
	}
	return &Metadata{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Credential fetches the default service account's access token plus the
// current project id and numeric project number.
func (m *Metadata) Credential(ctx context.Context) (Credential, error) {
	body, err := m.get(ctx, tokenPath)
	if err != nil {
		return Credential{}, err
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &token); err != nil {
		return Credential{}, fmt.Errorf("decode metadata token response: %w", err)
	}
	if token.AccessToken == "" {
		return Credential{}, fmt.Errorf("metadata token response missing access_token")
	}

	projectID, err := m.get(ctx, projectIDPath)
	if err != nil {
		return Credential{}, err
	}
	projectNumber, err := m.get(ctx, projectNumberPath)
	if err != nil {
		return Credential{}, err
	}

	return Credential{
		Token:         token.AccessToken,
		ProjectID:     strings.TrimSpace(string(projectID)),
		ProjectNumber: strings.TrimSpace(string(projectNumber)),
		Mechanism:     MechanismMetadata,
	}, nil
}

func (m *Metadata) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create metadata request: %w", err)
	}
	req.Header.Set(flavorHeader, flavorValue)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("metadata request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return io.ReadAll(resp.Body)
}
