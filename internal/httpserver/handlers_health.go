package httpserver

import (
	"net/http"
	"time"

	"github.com/dekapay/gateway/pkg/responders"
)

// health reports liveness plus the boot recovery outcome. A degraded or
// loop-detected state still serves traffic; operators read it here and on
// the recovery metrics.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	state := s.recoveryState
	if state == "" {
		state = "RUNNING"
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"recovery_state": state,
		"uptime_seconds": int64(s.clock.Now().Sub(s.startedAt) / time.Second),
	})
}
