package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	reg *prometheus.Registry,
	ready func() bool,
	ws http.Handler,
) {
	status := http.NewServeMux()

	status.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	status.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "session not validated", http.StatusServiceUnavailable)
			log.Info("readyz.not_ready")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	status.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	cors := WithCORS(status, cfg, log)
	mux.Handle("/healthz", cors)
	mux.Handle("/readyz", cors)
	mux.Handle("/metrics", cors)

	// The gateway applies its own origin policy.
	mux.Handle("/ws", ws)
}
