// Package remote provides the HTTP client for the remote record store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/kwliu/sitesync/backend/internal/errors"
	"github.com/kwliu/sitesync/backend/internal/models"
)

// RecordClientConfig holds record store connection configuration.
type RecordClientConfig struct {
	BaseURL string // e.g. https://api.example.com/rest/v1
	APIKey  string
}

// RecordClient implements RecordStore over a JSON/REST endpoint.
type RecordClient struct {
	config     *RecordClientConfig
	httpClient *http.Client
}

// NewRecordClient creates a new RecordClient.
func NewRecordClient(config *RecordClientConfig) *RecordClient {
	return &RecordClient{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: false,
			},
		},
	}
}

// Insert upserts a record and returns the stored version, including any
// server-assigned key. The upsert preference makes a retried insert a no-op
// rather than a duplicate.
func (c *RecordClient) Insert(ctx context.Context, table models.DataType, record Record) (Record, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode record", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, string(table), "", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(apperrors.ErrRemoteOffline, "insert request failed", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "insert"); err != nil {
		return nil, err
	}

	var stored []Record
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to decode insert response", err)
	}
	if len(stored) == 0 {
		return nil, apperrors.New(apperrors.ErrRemoteRejected, "insert returned no record")
	}
	return stored[0], nil
}

// Update applies a partial patch to one record by key. Re-applying the same
// patch is idempotent.
func (c *RecordClient) Update(ctx context.Context, table models.DataType, key string, patch Record) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode patch", err)
	}

	query := url.Values{KeyField: []string{"eq." + key}}
	req, err := c.newRequest(ctx, http.MethodPatch, string(table), query.Encode(), bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transient(apperrors.ErrRemoteOffline, "update request failed", err)
	}
	defer resp.Body.Close()

	return c.checkStatus(resp, "update")
}

// Delete removes one record by key. Deleting a missing record succeeds.
func (c *RecordClient) Delete(ctx context.Context, table models.DataType, key string) error {
	query := url.Values{KeyField: []string{"eq." + key}}
	req, err := c.newRequest(ctx, http.MethodDelete, string(table), query.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transient(apperrors.ErrRemoteOffline, "delete request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.checkStatus(resp, "delete")
}

// Select returns records matching the filter by field equality.
func (c *RecordClient) Select(ctx context.Context, table models.DataType, filter Filter) ([]Record, error) {
	query := url.Values{}
	for field, value := range filter {
		query.Set(field, fmt.Sprintf("eq.%v", value))
	}

	req, err := c.newRequest(ctx, http.MethodGet, string(table), query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(apperrors.ErrRemoteOffline, "select request failed", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, "select"); err != nil {
		return nil, err
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to decode select response", err)
	}
	return records, nil
}

// newRequest builds an authenticated JSON request.
func (c *RecordClient) newRequest(ctx context.Context, method, table, rawQuery string, body io.Reader) (*http.Request, error) {
	u := fmt.Sprintf("%s/%s", c.config.BaseURL, table)
	if rawQuery != "" {
		u += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return req, nil
}

// checkStatus maps HTTP status codes onto the error taxonomy: 5xx and
// timeouts are transient, 4xx are permanent rejections.
func (c *RecordClient) checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return apperrors.Transient(apperrors.ErrRemoteTimeout, msg, nil)
	default:
		return apperrors.New(apperrors.ErrRemoteRejected, msg)
	}
}
