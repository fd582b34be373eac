package adminapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleMetrics serves the process's default Prometheus registry, which
// Mux seeds with a pkg/metrics.PrometheusBridge over every go-metrics
// counter/meter the pool's subsystems register, on the same control-plane
// listener as the REST status routes, per SPEC_FULL.md §B.2.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	promhttp.Handler().ServeHTTP(w, r)
}
