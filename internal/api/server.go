package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framepipe/internal/control"
	"github.com/bryanchriswhite/framepipe/internal/logger"
	"github.com/bryanchriswhite/framepipe/internal/output"
)

const shutdownTimeout = 5 * time.Second

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	ctl      *control.Control
	stats    func() any
	mjpeg    *output.MJPEGOutput
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

// NewServer creates a new API server. stats is polled for /api/stats;
// mjpeg may be nil.
func NewServer(ctl *control.Control, stats func() any, mjpeg *output.MJPEGOutput) *Server {
	s := &Server{
		router: mux.NewRouter(),
		ctl:    ctl,
		stats:  stats,
		mjpeg:  mjpeg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes. Routes hang off the root router
// with full paths: a mux subrouter loses the method mismatch once a later
// route shares its prefix, and answers 404 instead of 405.
func (s *Server) setupRoutes() {
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)

	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	// Run state
	s.router.HandleFunc("/api/state", s.handleGetState).Methods("GET")
	s.router.HandleFunc("/api/state/stream", s.handleStateStream)
	s.router.HandleFunc("/api/control/{command}", s.handleControl).Methods("POST")

	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")

	// Preview
	if s.mjpeg != nil {
		s.router.Handle("/stream", s.mjpeg.Handler()).Methods("GET")
		s.router.Handle("/", s.mjpeg.ViewerHandler()).Methods("GET")
	} else {
		s.router.HandleFunc("/", s.handleIndex).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS headers.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("API server shutdown incomplete")
		_ = srv.Close()
	}
	s.log.Info().Msg("API server stopped")
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type stateResponse struct {
	State string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
	State string `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error: r.Method + " not allowed on " + r.URL.Path,
		State: s.ctl.State().String(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{State: s.ctl.State().String()})
}

// handleControl applies start, stop, reset or quit. Transitions the state
// machine rejects answer 409 with the unchanged state.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	cmd, err := control.ParseCommand(mux.Vars(r)["command"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), State: s.ctl.State().String()})
		return
	}

	err = s.ctl.Apply(cmd)
	switch {
	case err == nil:
		s.log.Info().Stringer("command", cmd).Stringer("state", s.ctl.State()).Msg("Command applied")
		writeJSON(w, http.StatusOK, stateResponse{State: s.ctl.State().String()})
	case errors.Is(err, control.ErrInvalidTransition), errors.Is(err, control.ErrExit):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), State: s.ctl.State().String()})
	default:
		s.log.Error().Err(err).Stringer("command", cmd).Msg("Command failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), State: s.ctl.State().String()})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"pipeline": s.stats()}
	if s.mjpeg != nil {
		resp["mjpeg"] = s.mjpeg.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStateStream sends the current state, then one message per change,
// until the client goes away or the pipeline exits.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.ctl.Subscribe(8)
	defer unsubscribe()

	// The read side only notices the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	current := s.ctl.State()
	if err := conn.WriteJSON(stateResponse{State: current.String()}); err != nil {
		return
	}

	for current != control.Exit {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case st := <-updates:
			current = st
			if err := conn.WriteJSON(stateResponse{State: st.String()}); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pipeline exited"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>framepipe</title>
    <style>
        body { font-family: monospace; background: #111; color: #eee; max-width: 640px; margin: 2em auto; }
        button { font-family: monospace; margin-right: .5em; padding: .4em 1em; }
        #state { font-weight: bold; }
    </style>
</head>
<body>
    <h1>framepipe</h1>
    <p>State: <span id="state">?</span></p>
    <p>
        <button onclick="send('start')">RUN</button>
        <button onclick="send('stop')">STOP</button>
        <button onclick="send('reset')">RESET</button>
        <button onclick="send('quit')">EXIT</button>
    </p>
    <pre id="stats"></pre>
    <script>
        function send(cmd) { fetch('/api/control/' + cmd, {method: 'POST'}); }
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/state/stream');
        ws.onmessage = (e) => { document.getElementById('state').textContent = JSON.parse(e.data).state; };
        setInterval(() => fetch('/api/stats').then(r => r.json()).then(s => {
            document.getElementById('stats').textContent = JSON.stringify(s, null, 2);
        }).catch(() => {}), 1000);
    </script>
</body>
</html>
`
