package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/conflict"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/tidwall/gjson"
)

// HTTPRecords reads and writes record snapshots on the records service.
//
//	GET {base}/records/{type}/{id}  -> {"version":n,"updated_at":"...","fields":{...}}
//	PUT {base}/records/{type}/{id}  <- {"base_version":n,"fields":{...}}
//
// A missing record reads as an empty snapshot at version 0.
type HTTPRecords struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

var _ conflict.Remote = (*HTTPRecords)(nil)

// NewHTTPRecords creates a records client. If httpClient is nil,
// http.DefaultClient is used.
func NewHTTPRecords(baseURL, token string, httpClient *http.Client) *HTTPRecords {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPRecords{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

type pushBody struct {
	BaseVersion int64         `json:"base_version"`
	Fields      models.Fields `json:"fields"`
}

// FetchSnapshot implements conflict.Remote.
func (h *HTTPRecords) FetchSnapshot(ctx context.Context, entityType, entityID string) (models.Snapshot, error) {
	status, body, err := h.do(ctx, http.MethodGet, entityType, entityID, nil)
	if err != nil {
		return models.Snapshot{}, err
	}

	if status == http.StatusNotFound {
		return models.Snapshot{}, nil
	}

	if err := statusError(status, body); err != nil {
		return models.Snapshot{}, err
	}

	return parseSnapshot(body)
}

// PushSnapshot implements conflict.Remote. A 409 means the base version is
// stale and is reported as ErrVersionMismatch.
func (h *HTTPRecords) PushSnapshot(ctx context.Context, entityType, entityID string, snap models.Snapshot) (models.Snapshot, error) {
	payload, err := json.Marshal(pushBody{BaseVersion: snap.Version, Fields: snap.Fields})
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("marshalling request body: %w", err)
	}

	status, body, err := h.do(ctx, http.MethodPut, entityType, entityID, payload)
	if err != nil {
		return models.Snapshot{}, err
	}

	if status == http.StatusConflict {
		return models.Snapshot{}, fmt.Errorf("%s/%s at version %d: %w", entityType, entityID, snap.Version, apperrors.ErrVersionMismatch)
	}

	if err := statusError(status, body); err != nil {
		return models.Snapshot{}, err
	}

	return parseSnapshot(body)
}

func (h *HTTPRecords) do(ctx context.Context, method, entityType, entityID string, payload []byte) (int, []byte, error) {
	endpoint := h.baseURL + "/records/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, nil, &apperrors.TransientNetworkError{Op: method + " record", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &apperrors.TransientNetworkError{Op: method + " record", Err: fmt.Errorf("reading response: %w", err)}
	}

	return resp.StatusCode, body, nil
}

func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	reason := gjson.GetBytes(body, "error").String()
	if reason == "" {
		reason = http.StatusText(status)
	}

	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return &apperrors.RemoteRejectedError{Reason: reason, Code: status}
	}

	return &apperrors.TransientNetworkError{Op: "records", Err: fmt.Errorf("status %d: %s", status, reason)}
}

func parseSnapshot(body []byte) (models.Snapshot, error) {
	if !gjson.ValidBytes(body) {
		return models.Snapshot{}, fmt.Errorf("decoding snapshot: invalid JSON")
	}

	doc := gjson.ParseBytes(body)

	snap := models.Snapshot{
		Version: doc.Get("version").Int(),
		Fields:  models.Fields{},
	}

	if ts := doc.Get("updated_at").Str; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("decoding snapshot updated_at: %w", err)
		}

		snap.UpdatedAt = t
	}

	if fields, ok := doc.Get("fields").Value().(map[string]any); ok {
		snap.Fields = fields
	}

	return snap, nil
}
