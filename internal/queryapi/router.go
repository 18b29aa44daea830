package queryapi

import (
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the device query API.
//
// Route layout:
//
//	GET /healthz                 – liveness probe, no authentication
//	GET /ws                      – live device-event feed, no authentication
//	GET /api/v1/devices          – current device state, optional ?subsystem=
//	GET /api/v1/devices/*        – a single device by devpath
//	GET /api/v1/events           – dispatch history, requires from/to
//	GET /api/v1/audit            – hash-chained audit entries, requires from/to
//
// pubKey verifies RS256 Bearer tokens on all /api routes; pass nil to
// disable JWT validation (tests covering only request parsing). ws is
// mounted at /ws when non-nil; the live feed has no JWT check of its own
// since it carries no query parameters an attacker could abuse beyond
// what the dashboard already broadcasts.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, ws http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/devices", srv.handleGetDevices)
		r.Get("/devices/*", func(w http.ResponseWriter, req *http.Request) {
			devpath := "/" + strings.TrimPrefix(chi.URLParam(req, "*"), "/")
			srv.handleGetDevice(w, req, devpath)
		})
		r.Get("/events", srv.handleGetEvents)
		r.Get("/audit", srv.handleGetAudit)
	})

	return r
}
