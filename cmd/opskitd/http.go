package main

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pavetrack/opskit"
	"github.com/pavetrack/opskit/pkg/logger"
	"github.com/pavetrack/opskit/pkg/performance"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// perfSnapshot is the /debug/perf payload for one series
type perfSnapshot struct {
	Name      string             `json:"name"`
	Stats     *performance.Stats `json:"stats"`
	Threshold *float64           `json:"threshold,omitempty"`
}

func newHTTPHandler(kit *opskit.Kit) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(
		kit.Collector.GetRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/debug/logs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			logs := kit.Logger.Logs()
			if lvl := r.URL.Query().Get("level"); lvl != "" {
				min, err := logger.ParseLevel(lvl)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				logs = filterLevel(logs, min)
			}
			if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 && n < len(logs) {
				logs = logs[len(logs)-n:]
			}
			writeJSON(w, logs)
		case http.MethodDelete:
			kit.Logger.ClearLogs()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/debug/perf", func(w http.ResponseWriter, r *http.Request) {
		names := kit.Monitor.Names()
		if name := r.URL.Query().Get("name"); name != "" {
			names = []string{name}
		}

		out := make([]perfSnapshot, 0, len(names))
		for _, name := range names {
			stats, ok := kit.Monitor.Stats(name)
			if !ok {
				continue
			}
			snap := perfSnapshot{Name: name, Stats: stats}
			if th, ok := kit.Monitor.Threshold(name); ok {
				snap.Threshold = &th
			}
			out = append(out, snap)
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/debug/cache", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, kit.Cache.Stats())
	})

	return mux
}

func filterLevel(logs []logger.Entry, min logger.Level) []logger.Entry {
	out := logs[:0:0]
	for _, e := range logs {
		if e.Level >= min {
			out = append(out, e)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
