// Package transport holds the adapters that move queued media and record
// snapshots to the remote authority.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/upload"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=websocket.go -destination=mock_wsconn_test.go -package=transport -mock_names=wsConn=MockWSConn

const (
	// frameSize bounds a single binary frame. Larger payloads are split.
	frameSize = 2 * 1024 * 1024

	ackReadLimit = 64 * 1024
)

// wsConn is the subset of *websocket.Conn the transferer uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// uploadFrame is the metadata message that precedes the payload frames.
type uploadFrame struct {
	Op          string `json:"op"`
	ID          string `json:"id"`
	VisitID     string `json:"visit_id"`
	EntryID     string `json:"entry_id"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type,omitempty"`
	Index       int    `json:"index"`
	Count       int    `json:"count"`
	Size        int    `json:"size"`
	Digest      string `json:"digest,omitempty"`
	Frames      int    `json:"frames"`
}

// WebSocketTransferer uploads items over a single persistent websocket. The
// connection is dialed on first use and redialed after any failure. Uploads
// are serialized on the connection.
type WebSocketTransferer struct {
	url    string
	token  string
	logger *slog.Logger

	dial func(ctx context.Context) (wsConn, error)

	mu   sync.Mutex
	conn wsConn
}

var _ upload.Transferer = (*WebSocketTransferer)(nil)

// NewWebSocketTransferer creates a transferer for the endpoint at url. An
// empty token sends no Authorization header.
func NewWebSocketTransferer(url, token string, logger *slog.Logger) *WebSocketTransferer {
	w := &WebSocketTransferer{
		url:    url,
		token:  token,
		logger: logger,
	}
	w.dial = w.dialWS

	return w
}

func (w *WebSocketTransferer) dialWS(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	if w.token != "" {
		header.Set("Authorization", "Bearer "+w.token)
	}

	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(ackReadLimit)

	return conn, nil
}

// Transfer sends one metadata frame, the payload as binary frames, then
// waits for the server's ack.
func (w *WebSocketTransferer) Transfer(ctx context.Context, target upload.Target, payload []byte, onProgress func(int)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		conn, err := w.dial(ctx)
		if err != nil {
			return &apperrors.TransientNetworkError{Op: "connect", Err: err}
		}

		w.conn = conn
		w.logger.Debug("websocket connected", slog.String("url", w.url))
	}

	frames := (len(payload) + frameSize - 1) / frameSize
	if frames == 0 {
		frames = 1
	}

	meta := uploadFrame{
		Op:          "upload",
		ID:          target.ItemID,
		VisitID:     target.VisitID,
		EntryID:     target.EntryID,
		Kind:        string(target.Kind),
		ContentType: target.ContentType,
		Index:       target.Index,
		Count:       target.Count,
		Size:        len(payload),
		Digest:      target.Digest,
		Frames:      frames,
	}

	if err := w.writeJSON(ctx, meta); err != nil {
		return w.fail("send metadata", err)
	}

	for i := 0; i < frames; i++ {
		start := i * frameSize
		end := min(start+frameSize, len(payload))

		if err := w.conn.Write(ctx, websocket.MessageBinary, payload[start:end]); err != nil {
			return w.fail("send payload", err)
		}

		if onProgress != nil {
			onProgress((i + 1) * 100 / frames)
		}
	}

	return w.readAck(ctx, target)
}

func (w *WebSocketTransferer) readAck(ctx context.Context, target upload.Target) error {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return w.fail("read ack", err)
	}

	if typ != websocket.MessageText {
		return w.fail("read ack", errors.New("unexpected binary frame"))
	}

	ack := gjson.ParseBytes(data)

	if id := ack.Get("id").Str; id != "" && id != target.ItemID {
		return w.fail("read ack", fmt.Errorf("ack for %s while uploading %s", id, target.ItemID))
	}

	if ack.Get("res").Str == "ok" {
		return nil
	}

	reason := ack.Get("err").String()
	if reason == "" {
		reason = "upload refused"
	}

	if ack.Get("rejected").Bool() {
		return &apperrors.RemoteRejectedError{Reason: reason, Code: int(ack.Get("code").Int())}
	}

	return w.fail("upload", errors.New(reason))
}

// fail drops the connection so the next transfer redials, and classifies
// err as transient.
func (w *WebSocketTransferer) fail(op string, err error) error {
	if w.conn != nil {
		w.conn.Close(websocket.StatusInternalError, op+" failed")
		w.conn = nil
	}

	w.logger.Warn("websocket transfer failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)

	return &apperrors.TransientNetworkError{Op: op, Err: err}
}

func (w *WebSocketTransferer) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Close shuts down the connection if one is open.
func (w *WebSocketTransferer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}

	err := w.conn.Close(websocket.StatusNormalClosure, "bye")
	w.conn = nil

	return err
}
