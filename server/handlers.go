package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumeo/syncbox"
	"github.com/lumeo/syncbox/cache"
	"github.com/lumeo/syncbox/netmon"
	"github.com/lumeo/syncbox/queue"
	"github.com/lumeo/syncbox/telemetry"
)

// enqueueRequest is the POST /v1/actions body.
type enqueueRequest struct {
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Priority        string          `json:"priority,omitempty"`
	MaxRetries      int             `json:"max_retries,omitempty"`
	AllowDuplicates bool            `json:"allow_duplicates,omitempty"`
}

// enqueueResponse reports the queued action and whether a drain was
// kicked off immediately.
type enqueueResponse struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
	Online    bool   `json:"online"`
}

// handleEnqueue accepts an action for deferred execution. The action is
// durable once this returns 202; execution happens on the next drain
// pass.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, syncbox.MaxPayloadSize)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	priority, err := syncbox.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.queue.Enqueue(r.Context(), req.Type, req.Payload, queue.EnqueueOptions{
		Priority:        priority,
		MaxRetries:      req.MaxRetries,
		AllowDuplicates: req.AllowDuplicates,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	enqueueResult := "queued"
	if result.Duplicate {
		enqueueResult = "duplicate"
	}
	telemetry.RecordEnqueue(r.Context(), string(priority), enqueueResult)
	s.publishQueueDepth(r.Context())

	online := s.monitor.Online()
	if online {
		// Kick uses a fresh context: the drain pass outlives this request.
		s.trigger.Kick(context.Background())
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{
		ID:        result.ID,
		Duplicate: result.Duplicate,
		Online:    online,
	})
}

// handleQueueStatus reports pending totals per priority.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.UpdateQueueDepth(r.Context(), status.ByPriority.High, status.ByPriority.Medium, status.ByPriority.Low)
	writeJSON(w, http.StatusOK, status)
}

// handleDrain runs one drain pass synchronously and reports the result.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	result, err := s.processor.Run(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishQueueDepth(r.Context())
	writeJSON(w, http.StatusOK, result)
}

// handleNetworkState reports the last-known connectivity view.
func (s *Server) handleNetworkState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.State())
}

// handleNetworkObserve ingests a platform-pushed connectivity sample,
// for deployments where an agent knows the link state better than the
// HTTP prober can.
func (s *Server) handleNetworkObserve(w http.ResponseWriter, r *http.Request) {
	var sample netmon.Sample
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&sample); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	state := s.monitor.Observe(sample)
	writeJSON(w, http.StatusOK, state)
}

// handleCacheGet serves a cached value, or 404 when absent or expired.
func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	data, err := s.cache.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			telemetry.RecordCacheRequest(r.Context(), "miss")
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	telemetry.RecordCacheRequest(r.Context(), "hit")
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// handleCachePut stores a value. An optional ttl query parameter
// (Go duration, e.g. "5m") overrides the server default.
func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	ttl := s.config.CacheTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, fmt.Sprintf("invalid ttl %q", raw), http.StatusBadRequest)
			return
		}
		ttl = parsed
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, syncbox.MaxPayloadSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > syncbox.MaxPayloadSize {
		http.Error(w, "value exceeds maximum size", http.StatusRequestEntityTooLarge)
		return
	}

	if err := s.cache.Set(r.Context(), key, data, ttl); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.RecordCacheRequest(r.Context(), "write")
	w.WriteHeader(http.StatusNoContent)
}

// handleCacheDelete removes a cached value. Deleting an absent key
// succeeds.
func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	if err := s.cache.Delete(r.Context(), key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statsResponse is the GET /stats body.
type statsResponse struct {
	Queue        queue.Status        `json:"queue"`
	CacheEntries int                 `json:"cache_entries"`
	Network      netmon.NetworkState `json:"network"`
	ActionTypes  []string            `json:"action_types"`
}

// handleStats reports a combined diagnostic snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	entries, err := s.cache.Len(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Queue:        status,
		CacheEntries: entries,
		Network:      s.monitor.State(),
		ActionTypes:  s.registry.Types(),
	})
}

// publishQueueDepth refreshes the per-priority depth gauges, best
// effort.
func (s *Server) publishQueueDepth(ctx context.Context) {
	status, err := s.queue.Status(ctx)
	if err != nil {
		s.logger.Warn("reading queue status for metrics failed", "error", err)
		return
	}
	telemetry.UpdateQueueDepth(ctx, status.ByPriority.High, status.ByPriority.Medium, status.ByPriority.Low)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
