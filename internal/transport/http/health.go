package httptransport

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"confconnect/pkg/platform/httputil"
)

// Check probes one backing dependency.
type Check func(ctx context.Context) error

// Readiness mounts GET /ready, which runs every named check and answers 503
// when any of them fails.
type Readiness map[string]Check

const readinessTimeout = 3 * time.Second

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (rd Readiness) Register(r chi.Router) {
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), readinessTimeout)
		defer cancel()

		names := make([]string, 0, len(rd))
		for name := range rd {
			names = append(names, name)
		}
		sort.Strings(names)

		resp := readinessResponse{Status: "ok", Checks: make(map[string]string, len(rd))}
		status := http.StatusOK
		for _, name := range names {
			if err := rd[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	})
}
