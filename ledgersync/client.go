package ledgersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RemoteStore is the per-ledger document collection this client reconciles
// against. Implementations must keep updatedAt monotonically non-decreasing
// per record and must soft-delete (tombstone), never hard-remove.
type RemoteStore interface {
	// ListActive returns non-deleted documents ordered by date descending,
	// bounded by limit.
	ListActive(ctx context.Context, ledgerID string, limit int) ([]json.RawMessage, error)

	// ListUpdatedSince returns documents in any deleted state with
	// updatedAt > sinceMillis, ordered by updatedAt ascending. Ascending
	// order matters: if the page is capped, the oldest unseen changes land
	// first and the watermark only ever advances over a contiguous range.
	ListUpdatedSince(ctx context.Context, ledgerID string, sinceMillis int64) ([]json.RawMessage, error)

	// Create writes a new document; the remote assigns the identity.
	Create(ctx context.Context, ledgerID string, doc map[string]any) (string, error)

	// Fetch returns one document regardless of deleted state.
	Fetch(ctx context.Context, ledgerID, txID string) (json.RawMessage, error)

	// Update patches fields on one document. The remote stamps a fresh
	// updatedAt on every write.
	Update(ctx context.Context, ledgerID, txID string, fields map[string]any) error

	// SoftDelete tombstones a document (deleted=true, deletedAt/updatedAt
	// stamped by the remote).
	SoftDelete(ctx context.Context, ledgerID, txID string) error

	// FetchLedger returns the ledger metadata document.
	FetchLedger(ctx context.Context, ledgerID string) (json.RawMessage, error)
}

type remoteClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewRemoteClient builds the HTTP RemoteStore from env configuration.
// LEDGER_API_BASE_URL and an api key are required; LEDGER_API_KEY_HEADER and
// LEDGER_RATE_LIMIT_PER_MIN are optional.
func NewRemoteClient(apiKey string) (RemoteStore, error) {
	baseURL := strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.ledger.mmdatafocus.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("LEDGER_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("ledger api key is empty")
	}
	rateLimitPerMin := int64(120)
	if v := strings.TrimSpace(os.Getenv("LEDGER_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &remoteClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type listResponse struct {
	Data  []json.RawMessage `json:"data"`
	Items []json.RawMessage `json:"items"`
}

func (r listResponse) rows() []json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

type createResponse struct {
	ID string `json:"id"`
}

func (c *remoteClient) ListActive(ctx context.Context, ledgerID string, limit int) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("deleted", "false")
	params.Set("order", "date_desc")
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, c.txPath(ledgerID), params, nil)
	if err != nil {
		return nil, err
	}
	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode list response: %v", ErrUnreachable, err)
	}
	return parsed.rows(), nil
}

func (c *remoteClient) ListUpdatedSince(ctx context.Context, ledgerID string, sinceMillis int64) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("updated_since", strconv.FormatInt(sinceMillis, 10))
	params.Set("order", "updated_at_asc")
	params.Set("include_deleted", "true")

	body, err := c.do(ctx, http.MethodGet, c.txPath(ledgerID), params, nil)
	if err != nil {
		return nil, err
	}
	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode list response: %v", ErrUnreachable, err)
	}
	return parsed.rows(), nil
}

func (c *remoteClient) Create(ctx context.Context, ledgerID string, doc map[string]any) (string, error) {
	body, err := c.do(ctx, http.MethodPost, c.txPath(ledgerID), nil, doc)
	if err != nil {
		return "", err
	}
	var parsed createResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode create response: %v", ErrRemoteRejected, err)
	}
	if strings.TrimSpace(parsed.ID) == "" {
		return "", fmt.Errorf("%w: remote did not assign an id", ErrRemoteRejected)
	}
	return parsed.ID, nil
}

func (c *remoteClient) Fetch(ctx context.Context, ledgerID, txID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, c.txPath(ledgerID)+"/"+url.PathEscape(txID), nil, nil)
}

func (c *remoteClient) Update(ctx context.Context, ledgerID, txID string, fields map[string]any) error {
	_, err := c.do(ctx, http.MethodPatch, c.txPath(ledgerID)+"/"+url.PathEscape(txID), nil, fields)
	return err
}

func (c *remoteClient) SoftDelete(ctx context.Context, ledgerID, txID string) error {
	// Soft-delete is an update on the remote side; the backend stamps
	// deletedAt/updatedAt itself so client clock skew never widens the
	// tombstone window.
	fields := map[string]any{"deleted": true}
	_, err := c.do(ctx, http.MethodPatch, c.txPath(ledgerID)+"/"+url.PathEscape(txID), nil, fields)
	return err
}

func (c *remoteClient) FetchLedger(ctx context.Context, ledgerID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/ledgers/"+url.PathEscape(ledgerID), nil, nil)
}

func (c *remoteClient) txPath(ledgerID string) string {
	return "/v1/ledgers/" + url.PathEscape(ledgerID) + "/transactions"
}

func (c *remoteClient) do(ctx context.Context, method, path string, params url.Values, payload any) ([]byte, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

// statusError maps an HTTP status to the error taxonomy. 401/403 are access
// failures, 408/429/5xx are transient, everything else is a rejected write.
func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrUnauthorized, status, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnreachable, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRemoteRejected, status, msg)
	}
}
