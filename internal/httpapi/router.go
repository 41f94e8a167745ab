// Package httpapi wires the relay's HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"collabcanvas/internal/collab"
	"collabcanvas/internal/metrics"
)

// CollabPath is the route of the collaboration endpoint.
const CollabPath = "/api/canvas/{" + collab.RoomVar + "}/collab"

const healthTimeout = 2 * time.Second

// Check pings one external dependency.
type Check func(ctx context.Context) error

type Deps struct {
	Manager *collab.Manager
	Collab  http.Handler
	Checks  map[string]Check
	Log     logrus.FieldLogger
}

func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(d.Log), MetricsMiddleware())

	r.Handle(CollabPath, d.Collab).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthHandler(d.Manager, d.Checks)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}

type healthReport struct {
	Status       string            `json:"status"`
	Rooms        int               `json:"rooms"`
	Participants int               `json:"participants"`
	Checks       map[string]string `json:"checks,omitempty"`
}

func healthHandler(m *collab.Manager, checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		st := m.Stats()
		report := healthReport{Status: "ok", Rooms: st.Rooms, Participants: st.Participants}
		status := http.StatusOK

		if len(names) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			report.Checks = make(map[string]string, len(names))
			for _, name := range names {
				if err := checks[name](ctx); err != nil {
					report.Checks[name] = err.Error()
					report.Status = "degraded"
					status = http.StatusServiceUnavailable
					continue
				}
				report.Checks[name] = "ok"
			}
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
