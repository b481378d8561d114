package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "tablerun/pkg/logx"
)

// HealthFunc supplies the /healthz payload (typically a table snapshot
// summary). It must be cheap; failures render as 503.
type HealthFunc func(ctx context.Context) (any, error)

// Serve runs the observability listener until ctx is done. Routes:
//
//	GET /metrics  - prometheus exposition
//	GET /healthz  - health payload as JSON
func Serve(ctx context.Context, addr string, set *Set, health HealthFunc, log logx.Logger) error {
	if addr == "" {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if reg := set.Registry(); reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if health == nil {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}
		payload, err := health(req.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(payload)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listener started", logx.String("addr", addr))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
