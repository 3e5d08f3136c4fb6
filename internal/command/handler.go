// Package command implements the local control plane.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/skylink/internal/framesync"
	"firestige.xyz/skylink/internal/pipeline"
	"firestige.xyz/skylink/internal/uplink"
)

// Version is reported by daemon.status.
var Version = "0.1.0"

// Link is the downlink pipeline as seen by the control plane.
type Link interface {
	Stats() pipeline.Stats
	Reset(ctx context.Context) error
}

// SyncSource is a frame source that recovers frames from a synchronized byte stream.
type SyncSource interface {
	Name() string
	SyncStats() framesync.Stats
	ResetSync()
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	link         Link
	shutdownFunc func() // Called by daemon.shutdown to trigger graceful stop
	startTime    int64  // Unix timestamp of daemon start for uptime calc

	mu      sync.Mutex
	sources []SyncSource
	encoder *uplink.Encoder
	sender  uplink.Sender
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(link Link) *CommandHandler {
	return &CommandHandler{
		link:      link,
		startTime: time.Now().Unix(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon.shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// AddSyncSource registers a source whose desynchronizer is reported by link.status
// and reset by link.reset.
func (h *CommandHandler) AddSyncSource(src SyncSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources = append(h.sources, src)
}

// SetUplink enables uplink.send.
func (h *CommandHandler) SetUplink(enc *uplink.Encoder, sender uplink.Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.encoder = enc
	h.sender = sender
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g., "link.status", "link.reset"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

func errorResponse(id string, code int, format string, args ...any) Response {
	return Response{
		ID: id,
		Error: &ErrorInfo{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case "link.status":
		return h.handleLinkStatus(ctx, cmd)
	case "link.reset":
		return h.handleLinkReset(ctx, cmd)
	case "uplink.send":
		return h.handleUplinkSend(ctx, cmd)
	case "daemon.shutdown":
		return h.handleDaemonShutdown(ctx, cmd)
	case "daemon.status":
		return h.handleDaemonStatus(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "method %q not found", cmd.Method)
	}
}

// LinkStatus is the result of link.status.
type LinkStatus struct {
	Pipeline pipeline.Stats             `json:"pipeline"`
	Sync     map[string]framesync.Stats `json:"sync,omitempty"`
}

func (h *CommandHandler) handleLinkStatus(_ context.Context, cmd Command) Response {
	if h.link == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "link not running")
	}
	status := LinkStatus{Pipeline: h.link.Stats()}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sources) > 0 {
		status.Sync = make(map[string]framesync.Stats, len(h.sources))
		for _, src := range h.sources {
			status.Sync[src.Name()] = src.SyncStats()
		}
	}
	return Response{ID: cmd.ID, Result: status}
}

// handleLinkReset starts the link over as for a new pass: fresh frame tagger, no
// depacketizer carry-over, and stream sources waiting for the next sync marker.
func (h *CommandHandler) handleLinkReset(ctx context.Context, cmd Command) Response {
	if h.link == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "link not running")
	}
	if err := h.link.Reset(ctx); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "reset link failed: %v", err)
	}

	h.mu.Lock()
	for _, src := range h.sources {
		src.ResetSync()
	}
	n := len(h.sources)
	h.mu.Unlock()

	slog.Info("link.reset: link reset", "sync_sources", n)
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "reset",
		},
	}
}

// UplinkSendParams represents parameters for the uplink.send command.
type UplinkSendParams struct {
	APID     uint16  `json:"apid"`
	Data     []byte  `json:"data"` // base64 in JSON
	Sequence *uint16 `json:"sequence,omitempty"`
}

func (h *CommandHandler) handleUplinkSend(ctx context.Context, cmd Command) Response {
	h.mu.Lock()
	enc, sender := h.encoder, h.sender
	h.mu.Unlock()
	if enc == nil || sender == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "uplink not enabled")
	}

	var params UplinkSendParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid params: %v", err)
	}

	frame, err := enc.Frame(uplink.Command{APID: params.APID, Data: params.Data, Sequence: params.Sequence})
	if err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "encode command failed: %v", err)
	}
	if err := sender.Send(ctx, frame); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "send command failed: %v", err)
	}

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "sent",
			"bytes":  len(frame),
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon.shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	result := map[string]interface{}{
		"version":    Version,
		"uptime_sec": time.Now().Unix() - h.startTime,
	}
	if h.link != nil {
		st := h.link.Stats()
		result["link"] = st.Link
		result["frames"] = st.Received
		result["packets"] = st.Packets
	}
	h.mu.Lock()
	result["uplink"] = h.sender != nil
	h.mu.Unlock()

	return Response{ID: cmd.ID, Result: result}
}
