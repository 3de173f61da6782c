package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// RemoteOptions configures the websocket executor.
type RemoteOptions struct {
	// URL is the device bridge endpoint, e.g. ws://bridge:9001/session.
	URL string
	// Platform is forwarded so the bridge can pick the right device driver.
	Platform string
	// ActionTimeout bounds one request round-trip. Zero means 30s.
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

// bridgeRequest is one frame sent to the device bridge.
type bridgeRequest struct {
	ID       string `json:"id"`
	Platform string `json:"platform,omitempty"`
	Kind     string `json:"kind"` // "action" or "screenshot"
	Action   Action `json:"action,omitempty"`
}

// bridgeResponse is the bridge's reply frame.
type bridgeResponse struct {
	ID            string `json:"id"`
	Summary       string `json:"summary,omitempty"`
	ScreenshotB64 string `json:"screenshot_b64,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RemoteExecutor forwards actions to a device bridge over a websocket. It is
// the seam for ios/android runs, where input injection happens off-host.
type RemoteExecutor struct {
	mu     sync.Mutex
	opts   RemoteOptions
	logger *slog.Logger
	conn   *websocket.Conn
}

// NewRemoteExecutor creates a remote executor. The connection is established
// lazily on the first action.
func NewRemoteExecutor(opts RemoteOptions) *RemoteExecutor {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteExecutor{opts: opts, logger: logger}
}

func (r *RemoteExecutor) connect(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ActionTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, r.opts.URL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dial device bridge %s: %w", r.opts.URL, err)
	}
	r.conn = conn
	r.logger.Info("device bridge connected", "url", r.opts.URL, "platform", r.opts.Platform)
	return conn, nil
}

func (r *RemoteExecutor) roundTrip(ctx context.Context, req bridgeRequest) (bridgeResponse, error) {
	conn, err := r.connect(ctx)
	if err != nil {
		return bridgeResponse{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.opts.ActionTimeout)
	defer cancel()

	if err := wsjson.Write(reqCtx, conn, req); err != nil {
		r.drop()
		return bridgeResponse{}, fmt.Errorf("send to device bridge: %w", err)
	}
	var resp bridgeResponse
	if err := wsjson.Read(reqCtx, conn, &resp); err != nil {
		r.drop()
		return bridgeResponse{}, fmt.Errorf("read from device bridge: %w", err)
	}
	if resp.ID != req.ID {
		r.drop()
		return bridgeResponse{}, fmt.Errorf("device bridge reply id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, nil
}

func (r *RemoteExecutor) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close(websocket.StatusInternalError, "request failed")
		r.conn = nil
	}
}

// Perform forwards one action to the bridge.
func (r *RemoteExecutor) Perform(ctx context.Context, a Action) (Observation, error) {
	resp, err := r.roundTrip(ctx, bridgeRequest{
		ID:       uuid.NewString(),
		Platform: r.opts.Platform,
		Kind:     "action",
		Action:   a,
	})
	if err != nil {
		return Observation{}, &Fault{Action: a.Name, Reason: err.Error()}
	}
	if resp.Error != "" {
		return Observation{}, &Fault{Action: a.Name, Reason: resp.Error}
	}

	var shot []byte
	if resp.ScreenshotB64 != "" {
		shot, err = base64.StdEncoding.DecodeString(resp.ScreenshotB64)
		if err != nil {
			return Observation{}, &Fault{Action: a.Name, Reason: fmt.Sprintf("decode screenshot: %s", err)}
		}
	}
	return Observation{Summary: resp.Summary, Screenshot: shot}, nil
}

// Screenshot requests a capture without acting.
func (r *RemoteExecutor) Screenshot(ctx context.Context) ([]byte, error) {
	resp, err := r.roundTrip(ctx, bridgeRequest{
		ID:       uuid.NewString(),
		Platform: r.opts.Platform,
		Kind:     "screenshot",
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("device bridge screenshot: %s", resp.Error)
	}
	return base64.StdEncoding.DecodeString(resp.ScreenshotB64)
}

// Close ends the bridge session.
func (r *RemoteExecutor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(websocket.StatusNormalClosure, "run finished")
	r.conn = nil
	return err
}
