// Package portal is the Portal Client (spec.md §4.3): a REST wrapper
// around the developer portal's API with retry, circuit breaking, bearer
// token refresh, and user-agent ownership labeling so every write can be
// attributed back to the integration instance that made it.
//
// Grounded on the teacher's pkg/dump.go (parallel fetch shape, tag-scoped
// list queries against *kong.Client) generalized from a Kong-specific
// client to a generic REST client, built on hashicorp/go-retryablehttp
// (the same transport-retry library the teacher requires directly) with
// sony/gobreaker wrapping each call and cenkalti/backoff driving the
// token-refresh-then-retry-once auth flow.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-querystring/query"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/obslog"
	"github.com/port-labs/ocean-core/pkg/ocerr"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// leveledLogAdapter satisfies retryablehttp.LeveledLogger by forwarding to
// an obslog.Logger, so transport-level retry/backoff messages carry the
// same integration_type/integration_id fields as the rest of a run.
type leveledLogAdapter struct {
	l obslog.Logger
}

func (a leveledLogAdapter) log(e *zerolog.Event, msg string, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, keysAndValues[i+1])
	}
	e.Msg(msg)
}

func (a leveledLogAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.log(a.l.Error(), msg, keysAndValues)
}
func (a leveledLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.log(a.l.Info(), msg, keysAndValues)
}
func (a leveledLogAdapter) Debug(msg string, keysAndValues ...interface{}) {
	a.log(a.l.Debug(), msg, keysAndValues)
}
func (a leveledLogAdapter) Warn(msg string, keysAndValues ...interface{}) {
	a.log(a.l.Warn(), msg, keysAndValues)
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	// IntegrationType/IntegrationID label every write's User-Agent header
	// so the portal can attribute it to this integration instance
	// (spec.md §3).
	IntegrationType string
	IntegrationID   string
	// UserAgent overrides the computed User-Agent entirely, when set.
	UserAgent string

	RetryMax                       int
	CircuitBreakerTimeout          time.Duration
	CircuitBreakerFailureThreshold uint32

	// Logger receives retryablehttp's transport-retry diagnostics. A nil
	// Logger disables them (retryablehttp's own default logger would
	// write them to stderr).
	Logger *obslog.Logger
}

// Migration tracks an asynchronous bulk deletion (spec.md §4.12).
type Migration struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Blueprint is the subset of a blueprint's schema the client needs.
type Blueprint struct {
	Identifier string                 `json:"identifier"`
	Schema     map[string]interface{} `json:"schema,omitempty"`
	Relations  map[string]interface{} `json:"relations,omitempty"`
}

// Client talks to the developer portal's REST API. The zero value is not
// ready to use; construct with New.
type Client struct {
	cfg     Config
	http    *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	rc := retryablehttp.NewClient()
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	if cfg.Logger != nil {
		rc.Logger = leveledLogAdapter{l: *cfg.Logger}
	} else {
		rc.Logger = nil
	}
	// Once retries are exhausted, hand a final 429 back to doAttempt so it
	// surfaces as ocerr.RateLimit; every other exhausted retry is an error.
	rc.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		if err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("giving up after %d attempt(s): %w", numTries, err)
		}
		return nil, fmt.Errorf("giving up after %d attempt(s)", numTries)
	}

	failureThreshold := cfg.CircuitBreakerFailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	timeout := cfg.CircuitBreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "portal-client",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
	})

	return &Client{cfg: cfg, http: rc, breaker: cb}
}

func (c *Client) userAgent() string {
	if c.cfg.UserAgent != "" {
		return c.cfg.UserAgent
	}
	return fmt.Sprintf("ocean-core/%s/%s", c.cfg.IntegrationType, c.cfg.IntegrationID)
}

// do issues one request against path, optionally query-encoding q (via
// go-querystring) and JSON-encoding body, decoding the response into out.
func (c *Client) do(ctx context.Context, method, path string, q interface{}, body interface{}, out interface{}) error {
	return c.doAttempt(ctx, method, path, q, body, out, true)
}

func (c *Client) doAttempt(ctx context.Context, method, path string, q interface{}, body interface{}, out interface{}, allowAuthRetry bool) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return ocerr.New(ocerr.AuthError, "portal.do", err)
	}

	u := c.cfg.BaseURL + path
	if q != nil {
		values, err := query.Values(q)
		if err != nil {
			return fmt.Errorf("portal: encoding query params: %w", err)
		}
		if enc := values.Encode(); enc != "" {
			u += "?" + enc
		}
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("portal: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("portal: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.execute(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && allowAuthRetry {
		c.invalidateToken()
		return c.doAttempt(ctx, method, path, q, body, out, false)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return ocerr.New(ocerr.RateLimit, "portal.do", fmt.Errorf("rate limited: %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return ocerr.New(ocerr.TransportError, "portal.do", fmt.Errorf("portal returned %s: %s", resp.Status, string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("portal: decoding response body: %w", err)
	}
	return nil
}

func (c *Client) execute(req *retryablehttp.Request) (*http.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.http.Do(req)
	})
	if err != nil {
		return nil, ocerr.New(ocerr.TransportError, "portal.execute", err)
	}
	return result.(*http.Response), nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	return c.refreshTokenLocked(ctx)
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = ""
}

// refreshTokenLocked fetches a fresh access token, retrying transient
// failures with exponential backoff. Callers must hold tokenMu.
func (c *Client) refreshTokenLocked(ctx context.Context) (string, error) {
	var token string
	attempt := func() error {
		reqBody, err := json.Marshal(map[string]string{
			"clientId":     c.cfg.ClientID,
			"clientSecret": c.cfg.ClientSecret,
		})
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/v1/auth/access_token", bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", c.userAgent())

		resp, err := c.execute(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("access token request returned %s: %s", resp.Status, string(data)))
		}

		var parsed struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int    `json:"expiresIn"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(err)
		}

		c.token = parsed.AccessToken
		// Refresh a little early so a request never races an expiry that
		// happens mid-flight.
		c.tokenExpiry = time.Now().Add(time.Duration(parsed.ExpiresIn)*time.Second - 30*time.Second)
		token = c.token
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(attempt, bo); err != nil {
		return "", ocerr.New(ocerr.AuthError, "portal.refreshToken", err)
	}
	return token, nil
}

// upsertParams is query-string-encoded via go-querystring for the single
// entity upsert endpoint.
type upsertParams struct {
	Upsert bool `url:"upsert"`
	Merge  bool `url:"merge"`
}

// UpsertEntity creates or updates one entity. It satisfies
// applier.UpsertFunc.
func (c *Client) UpsertEntity(ctx context.Context, ent *entity.Entity, merge bool) error {
	path := fmt.Sprintf("/v1/blueprints/%s/entities", ent.Blueprint)
	return c.do(ctx, http.MethodPost, path, upsertParams{Upsert: true, Merge: merge}, ent, nil)
}

// bulkUpsertRequest is the JSON body for the bulk entity upsert endpoint.
type bulkUpsertRequest struct {
	Entities []*entity.Entity `json:"entities"`
	Merge    bool             `json:"merge"`
}

// UpsertEntitiesBulk creates or updates all of ents in a single request.
func (c *Client) UpsertEntitiesBulk(ctx context.Context, blueprint string, ents []*entity.Entity, merge bool) error {
	path := fmt.Sprintf("/v1/blueprints/%s/entities/bulk", blueprint)
	return c.do(ctx, http.MethodPost, path, nil, bulkUpsertRequest{Entities: ents, Merge: merge}, nil)
}

// DeleteEntity deletes one entity by identifier. It satisfies
// applier.DeleteFunc.
func (c *Client) DeleteEntity(ctx context.Context, blueprint, identifier string) error {
	path := fmt.Sprintf("/v1/blueprints/%s/entities/%s", blueprint, identifier)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// deleteAllParams marks the bulk-deletion request as unconditional.
type deleteAllParams struct {
	All bool `url:"all"`
}

// DeleteAllEntitiesForBlueprint starts an asynchronous bulk deletion of
// every entity under blueprint, returning the migration ID the caller
// should poll with GetMigration (spec.md §4.12).
func (c *Client) DeleteAllEntitiesForBlueprint(ctx context.Context, blueprint string) (string, error) {
	path := fmt.Sprintf("/v1/blueprints/%s/entities", blueprint)
	var out struct {
		MigrationID string `json:"migrationId"`
	}
	if err := c.do(ctx, http.MethodDelete, path, deleteAllParams{All: true}, nil, &out); err != nil {
		return "", err
	}
	return out.MigrationID, nil
}

// GetMigration fetches the current status of a bulk deletion migration.
func (c *Client) GetMigration(ctx context.Context, id string) (*Migration, error) {
	var m Migration
	if err := c.do(ctx, http.MethodGet, "/v1/migrations/"+id, nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// WaitForMigration polls GetMigration every interval until it reports a
// terminal status or ctx is done.
func (c *Client) WaitForMigration(ctx context.Context, id string, interval time.Duration) (*Migration, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m, err := c.GetMigration(ctx, id)
		if err != nil {
			return nil, err
		}
		if m.Status == "completed" || m.Status == "failed" {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetBlueprint fetches a blueprint's schema and relation definitions.
func (c *Client) GetBlueprint(ctx context.Context, identifier string) (*Blueprint, error) {
	var bp Blueprint
	if err := c.do(ctx, http.MethodGet, "/v1/blueprints/"+identifier, nil, nil, &bp); err != nil {
		return nil, err
	}
	return &bp, nil
}

// PatchBlueprint merges patch into a blueprint's schema.
func (c *Client) PatchBlueprint(ctx context.Context, identifier string, patch map[string]interface{}) error {
	return c.do(ctx, http.MethodPatch, "/v1/blueprints/"+identifier, nil, patch, nil)
}

// PatchRun updates an action run's status and any summary fields reported
// alongside it; pkg/action's Manager uses it to report a failed run.
func (c *Client) PatchRun(ctx context.Context, runID, status string, summary map[string]interface{}) error {
	body := map[string]interface{}{"status": status}
	for k, v := range summary {
		body[k] = v
	}
	return c.do(ctx, http.MethodPatch, "/v1/runs/"+runID, nil, body, nil)
}

// pollActionRunsParams is the query-string-encoded filter for listing
// queued action runs.
type pollActionRunsParams struct {
	IntegrationID string `url:"integrationId"`
	Since         string `url:"since,omitempty"`
}

// PollActionRuns lists action runs queued for this integration since the
// given timestamp (nil means "all pending").
func (c *Client) PollActionRuns(ctx context.Context, integrationID string, since *time.Time) ([]*entity.ActionRun, error) {
	params := pollActionRunsParams{IntegrationID: integrationID}
	if since != nil {
		params.Since = since.UTC().Format(time.RFC3339)
	}
	var out struct {
		ActionRuns []*entity.ActionRun `json:"actionRuns"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/actions/runs", params, nil, &out); err != nil {
		return nil, err
	}
	return out.ActionRuns, nil
}

// searchIdentifiersResponse is the shape of the identifiers-only search
// endpoint: it returns matched identifiers without the full entity body,
// since relation resolution only needs the identifier.
type searchIdentifiersResponse struct {
	Identifiers []string `json:"identifiers"`
}

// SearchEntityIdentifiers runs a search query across the whole catalog
// (not scoped to one blueprint, since a relation's target blueprint is a
// property of the query itself) and returns the matched identifiers.
func (c *Client) SearchEntityIdentifiers(ctx context.Context, q entity.SearchQuery) ([]string, error) {
	var out searchIdentifiersResponse
	if err := c.do(ctx, http.MethodPost, "/v1/entities/search/identifiers", nil, q, &out); err != nil {
		return nil, err
	}
	return out.Identifiers, nil
}

// ResolveSearchQuery implements applier.RelationResolver.
func (c *Client) ResolveSearchQuery(ctx context.Context, _ string, q entity.SearchQuery) ([]string, error) {
	return c.SearchEntityIdentifiers(ctx, q)
}

// SimpleSearchParams is a single-rule filter encodable as GET query
// parameters, for the common case of listing entities by one property
// comparison without the full SearchQuery combinator/rules shape.
type SimpleSearchParams struct {
	Property string `url:"property"`
	Operator string `url:"operator"`
	Value    string `url:"value"`
}

// SearchEntitiesSimple lists entities of blueprint matching a single
// property filter via a GET request.
func (c *Client) SearchEntitiesSimple(ctx context.Context, blueprint string, params SimpleSearchParams) ([]*entity.Entity, error) {
	path := fmt.Sprintf("/v1/blueprints/%s/entities", blueprint)
	var out struct {
		Entities []*entity.Entity `json:"entities"`
	}
	if err := c.do(ctx, http.MethodGet, path, params, nil, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

// ListEntitiesByBlueprint fetches every entity the portal currently holds
// under blueprint, implicitly scoped to this integration's ownership by
// the User-Agent label every request carries (spec.md §4.4 existing_state).
// It implements orchestrator.ExistingStateFetcher.
func (c *Client) ListEntitiesByBlueprint(ctx context.Context, blueprint string) ([]*entity.Entity, error) {
	return c.SearchEntitiesSimple(ctx, blueprint, SimpleSearchParams{})
}
