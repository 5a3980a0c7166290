package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ephem/svc/db"
	"ephem/svc/util"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Backend string `json:"backend"`
}

// Healthz never fails. The ping goes through the selector, so a remote that
// stopped answering is failed over here and reported as memory.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.sel.Do(ctx, "ping", func(b db.Backend) error {
		return b.Ping(ctx)
	}); err != nil {
		util.Warn().Err(err).Msg("health ping failed")
	}
	resp := HealthResponse{
		OK:      true,
		Backend: string(s.sel.Current(ctx)),
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
