package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDirectory resolves employees against the legacy identity system
// over its JSON lookup endpoint.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDirectory creates a directory client with sensible defaults.
func NewHTTPDirectory(baseURL string, client *http.Client) (*HTTPDirectory, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("embed: directory base url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPDirectory{baseURL: baseURL, client: client}, nil
}

type directoryResponse struct {
	LoginID    string `json:"loginId"`
	EmployeeID string `json:"empNo"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
}

// Resolve looks the employee up by login id and employee number. Both
// must match one active record or the lookup fails.
func (d *HTTPDirectory) Resolve(ctx context.Context, loginID, employeeID string) (Identity, error) {
	endpoint := d.baseURL + "/employees/lookup?loginId=" + url.QueryEscape(loginID) +
		"&empNo=" + url.QueryEscape(employeeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("embed: directory lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Identity{}, errors.New("embed: no matching employee")
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("embed: directory returned %d", resp.StatusCode)
	}

	var body directoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Identity{}, fmt.Errorf("embed: decode directory response: %w", err)
	}
	if !body.Active || body.LoginID != loginID || body.EmployeeID != employeeID {
		return Identity{}, errors.New("embed: directory record mismatch")
	}
	return Identity{LoginID: body.LoginID, EmployeeID: body.EmployeeID, Name: body.Name}, nil
}
