package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"agent-webapp/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service   ServiceStatus  `json:"service"`
	Clients   int            `json:"clients"`
	Streams   StreamStatus   `json:"streams"`
	Approvals ApprovalStatus `json:"approvals"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StreamStatus holds stream outcome counters.
type StreamStatus struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	Failed    int64 `json:"failed"`
}

// ApprovalStatus holds approval counters.
type ApprovalStatus struct {
	Pending   int   `json:"pending"`
	Requested int64 `json:"requested"`
	Resolved  int64 `json:"resolved"`
}

// Metrics counts bus events for the status and metrics endpoints.
type Metrics struct {
	StreamsStarted     atomic.Int64
	StreamsCompleted   atomic.Int64
	StreamsCancelled   atomic.Int64
	StreamsFailed      atomic.Int64
	ApprovalsRequested atomic.Int64
	ApprovalsResolved  atomic.Int64
	MessagesStored     atomic.Int64
}

// NewMetrics subscribes counters to bus. A nil bus yields counters that
// never move.
func NewMetrics(bus domain.EventBus) *Metrics {
	m := &Metrics{}
	if bus == nil {
		return m
	}
	counters := map[domain.EventType]*atomic.Int64{
		domain.EventStreamStarted:    &m.StreamsStarted,
		domain.EventStreamCompleted:  &m.StreamsCompleted,
		domain.EventStreamCancelled:  &m.StreamsCancelled,
		domain.EventStreamError:      &m.StreamsFailed,
		domain.EventToolApprovalReq:  &m.ApprovalsRequested,
		domain.EventToolApprovalResp: &m.ApprovalsResolved,
		domain.EventMessageStored:    &m.MessagesStored,
	}
	for eventType, counter := range counters {
		c := counter
		bus.Subscribe(eventType, func(context.Context, domain.Event) { c.Add(1) })
	}
	return m
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "agent-webapp",
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Clients: s.ClientCount(),
			Streams: StreamStatus{
				Started:   metrics.StreamsStarted.Load(),
				Completed: metrics.StreamsCompleted.Load(),
				Cancelled: metrics.StreamsCancelled.Load(),
				Failed:    metrics.StreamsFailed.Load(),
			},
			Approvals: ApprovalStatus{
				Pending:   len(deps.Chat.Pending()),
				Requested: metrics.ApprovalsRequested.Load(),
				Resolved:  metrics.ApprovalsResolved.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
