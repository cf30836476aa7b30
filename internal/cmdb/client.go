// Package cmdb reads service classification from a ServiceNow CMDB.
package cmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

// Signal is what the CMDB knows about an application.
type Signal struct {
	// ServiceTier is nil when the CI carries no tier.
	ServiceTier         *int
	BusinessCriticality models.Criticality
	ImpactScope         string
}

// IsTopTier reports whether the service is Tier-0 or Tier-1.
func (s *Signal) IsTopTier() bool {
	return s != nil && s.ServiceTier != nil && *s.ServiceTier <= 1
}

// HasWideScope reports an enterprise or global impact scope.
func (s *Signal) HasWideScope() bool {
	if s == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s.ImpactScope)) {
	case "enterprise", "global":
		return true
	default:
		return false
	}
}

// Lookup resolves an application name to a Signal. A nil Signal with a nil
// error means the application is unknown to the CMDB.
type Lookup interface {
	Lookup(ctx context.Context, appName string) (*Signal, error)
}

// serviceTable is where business services and their tiers live.
const serviceTable = "cmdb_ci_service"

// Client queries the ServiceNow table API.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient creates a new ServiceNow CMDB client.
func NewClient(cfg config.CMDBConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.InstanceURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// configurationItem is the subset of a service CI the classifier needs.
type configurationItem struct {
	SysID       string `json:"sys_id"`
	Name        string `json:"name"`
	Criticality string `json:"busines_criticality"` // ServiceNow's spelling
	ServiceTier string `json:"u_service_tier"`
	ImpactScope string `json:"u_impact_scope"`
}

// Lookup implements Lookup.
func (c *Client) Lookup(ctx context.Context, appName string) (*Signal, error) {
	query := url.Values{}
	query.Set("sysparm_query", "name="+appName)
	query.Set("sysparm_fields", "sys_id,name,busines_criticality,u_service_tier,u_impact_scope")
	query.Set("sysparm_limit", "1")
	endpoint := fmt.Sprintf("/api/now/table/%s?%s", serviceTable, query.Encode())

	respBody, err := c.doRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result []configurationItem `json:"result"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(response.Result) == 0 {
		return nil, nil
	}

	ci := response.Result[0]
	return &Signal{
		ServiceTier:         parseTier(ci.ServiceTier),
		BusinessCriticality: parseCriticality(ci.Criticality),
		ImpactScope:         ci.ImpactScope,
	}, nil
}

// parseTier accepts "0", "Tier 1", "tier-2" and similar.
func parseTier(raw string) *int {
	s := strings.ToLower(strings.TrimSpace(raw))
	if rest, ok := strings.CutPrefix(s, "tier"); ok {
		s = strings.TrimLeft(rest, " -_")
	}
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// parseCriticality maps ServiceNow's "1 - most critical" scale.
func parseCriticality(raw string) models.Criticality {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(s, "1"), s == "high":
		return models.CriticalityHigh
	case strings.HasPrefix(s, "2"), s == "medium":
		return models.CriticalityMedium
	case strings.HasPrefix(s, "3"), strings.HasPrefix(s, "4"), s == "low":
		return models.CriticalityLow
	default:
		return ""
	}
}

// doRequest performs an HTTP request to ServiceNow API.
func (c *Client) doRequest(ctx context.Context, method, endpoint string) (_ []byte, err error) {
	fullURL := c.baseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	ctx, span := telemetry.HTTPClientSpan(ctx, method, fullURL, req.Header)
	defer func() { span.Finish(err) }()
	req = req.WithContext(ctx)

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("ServiceNow API error: %d - %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
