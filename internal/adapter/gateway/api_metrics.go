package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text
// format.
func metricsHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		counter(w, "agentweb_streams_started_total", "Streams opened.", metrics.StreamsStarted.Load())
		counter(w, "agentweb_streams_completed_total", "Streams that completed.", metrics.StreamsCompleted.Load())
		counter(w, "agentweb_streams_cancelled_total", "Streams cancelled by the user.", metrics.StreamsCancelled.Load())
		counter(w, "agentweb_streams_failed_total", "Streams that failed.", metrics.StreamsFailed.Load())
		counter(w, "agentweb_approvals_requested_total", "Tool approvals requested.", metrics.ApprovalsRequested.Load())
		counter(w, "agentweb_approvals_resolved_total", "Tool approvals resolved.", metrics.ApprovalsResolved.Load())
		counter(w, "agentweb_messages_stored_total", "Assistant messages stored.", metrics.MessagesStored.Load())
		counter(w, "agentweb_gateway_dropped_frames_total", "Frames dropped for slow clients.", s.DroppedFrames())

		gauge(w, "agentweb_approvals_pending", "Approvals awaiting a decision.", float64(len(deps.Chat.Pending())))
		gauge(w, "agentweb_gateway_clients", "Connected gateway clients.", float64(s.ClientCount()))
		gauge(w, "agentweb_uptime_seconds", "Seconds since the service started.", time.Since(startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge(w, "go_goroutines", "Number of goroutines.", float64(runtime.NumGoroutine()))
		gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", float64(mem.Alloc))
	}
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(w io.Writer, name, help string, v float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, v)
}
