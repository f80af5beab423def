// Read-only operational HTTP surface: liveness, the current threshold and
// reputation state, and the active round set. Everything served here goes
// through the same locked accessors the workers use.

package agg

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// StatusServer exposes /healthz, /status and /rounds.
type StatusServer struct {
	state *State
	coord *Coordinator
	srv   *http.Server
}

// NewStatusServer builds the server for addr. An empty addr disables it;
// callers should check for nil.
func NewStatusServer(addr string, state *State, coord *Coordinator) *StatusServer {
	if addr == "" {
		return nil
	}
	ss := &StatusServer{state: state, coord: coord}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", ss.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", ss.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/rounds", ss.handleRounds).Methods(http.MethodGet)

	ss.srv = &http.Server{
		Addr:              addr,
		Handler:           cors.Default().Handler(r),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ss
}

// Run serves until Shutdown is called.
func (ss *StatusServer) Run() {
	logrus.Infof("🌐 [AGGREGATOR] Status server listening on %s", ss.srv.Addr)
	if err := ss.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Errorf("❌ [AGGREGATOR] Status server error: %v", err)
	}
}

// Shutdown drains the server.
func (ss *StatusServer) Shutdown(ctx context.Context) {
	if err := ss.srv.Shutdown(ctx); err != nil {
		logrus.Warnf("⚠️ [AGGREGATOR] Status server shutdown: %v", err)
	}
}

func (ss *StatusServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (ss *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, ss.state.Snapshot())
}

func (ss *StatusServer) handleRounds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, ss.coord.ActiveRounds())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("⚠️ [AGGREGATOR] Failed to encode status response: %v", err)
	}
}
