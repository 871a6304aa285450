package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flexinfer/forge/internal/metrics"
	"github.com/flexinfer/forge/pkg/types"
)

var heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/builds/{id}/events.
//
// The stream replays the build's history (after Last-Event-ID when resuming),
// then follows live events until the build finishes or the client leaves.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	build, ok := h.lookupBuild(w, r)
	if !ok {
		return
	}
	buildID := build.ID

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("build_id", buildID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Subscribe before reading history so nothing falls in between.
	eventCh, cleanup, err := h.builds.Subscribe(ctx, buildID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to subscribe to events", err)
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		BuildID:   buildID,
		Type:      "hello",
		Timestamp: time.Now().UTC(),
	})

	var lastSeq int64
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}
	history, err := h.builds.GetEventsSince(ctx, buildID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", slog.String("build_id", buildID), slog.Any("error", err))
	}
	for _, evt := range history {
		lastSeq = h.writeAfter(w, flusher, evt, lastSeq)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		h.logger.Info("SSE connection closed",
			slog.String("build_id", buildID),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(ctx, w, flusher, buildID)
				closed("build_finished")
				return
			}
			lastSeq = h.writeAfter(w, flusher, evt, lastSeq)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeAfter writes evt unless its sequence number was already sent, and
// returns the new high-water mark.
func (h *Handlers) writeAfter(w http.ResponseWriter, flusher http.Flusher, evt *types.Event, lastSeq int64) int64 {
	seq, err := strconv.ParseInt(evt.ID, 10, 64)
	if err == nil && seq <= lastSeq {
		return lastSeq
	}
	h.writeSSE(w, flusher, evt)
	if err == nil {
		return seq
	}
	return lastSeq
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends the final event carrying the build's status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, buildID string) {
	build, err := h.builds.GetBuild(ctx, buildID)
	if err != nil {
		h.logger.Error("failed to get build for stream end", slog.String("build_id", buildID), slog.Any("error", err))
		return
	}

	data, _ := json.Marshal(types.BuildStatusEvent{Status: build.Status})
	h.writeSSE(w, flusher, &types.Event{
		ID:        "final",
		BuildID:   buildID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
