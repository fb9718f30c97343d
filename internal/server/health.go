package server

import "net/http"

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
// plainCT avoids the []string{v} alloc from Header.Set (see errors.go:jsonCT).
var (
	okBody         = []byte("ok")
	notReadyBody   = []byte("not ready")
	statusOKBody   = []byte(`{"status":"ok"}`)
	statusInitBody = []byte(`{"status":"starting"}`)
	plainCT        = []string{"text/plain"}
)

// handleHealth reports overall serving status as JSON: "ok" once the router
// is bound and the backing stores have initialized, "starting" before that.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(statusInitBody)
			return
		}
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(statusOKBody)
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
