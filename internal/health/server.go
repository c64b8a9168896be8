package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
	// LastHeartbeat reports the oracle's most recent heartbeat; zero means none yet.
	LastHeartbeat func() time.Time
	// MaxHeartbeatAge marks the oracle stale when exceeded. Zero disables the check.
	MaxHeartbeatAge time.Duration
}

// Handler returns the /healthz handler.
func Handler(checker Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				status["db"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["db"] = "ok"
			}
		}
		if checker.RPCPing != nil {
			if err := checker.RPCPing(ctx); err != nil {
				status["rpc"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["rpc"] = "ok"
			}
		}
		if checker.LastHeartbeat != nil {
			last := checker.LastHeartbeat()
			switch {
			case last.IsZero():
				status["heartbeat"] = "pending"
			case checker.MaxHeartbeatAge > 0 && time.Since(last) > checker.MaxHeartbeatAge:
				status["heartbeat"] = "stale"
				code = http.StatusServiceUnavailable
			default:
				status["heartbeat"] = "ok"
			}
			if !last.IsZero() {
				status["last_heartbeat"] = last.UTC().Format(time.RFC3339)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts a minimal /healthz server.
func Serve(addr string, checker Checker) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the health server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
