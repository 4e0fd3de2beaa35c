package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is anything that can report database reachability. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsFunc supplies the scheduler snapshot served on /readyz.
type StatsFunc func() any

// NewServer creates an HTTP server serving /metrics (Prometheus), /healthz
// (liveness) and /readyz (keep-alive probe with scheduler statistics; 503
// when the database is unreachable).
func NewServer(addr string, db Pinger, stats StatsFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		healthy := true
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				healthy = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		payload := map[string]any{"healthy": healthy}
		if stats != nil {
			payload["scheduler"] = stats()
		}
		json.NewEncoder(w).Encode(payload)
	})

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}
