package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// HTTP API
// ============================================================================
//
// REST surface for UI frontends, plus the state websocket and /metrics. Every
// read and mutation goes through the daemon's event queue; handlers never
// touch DaemonState directly. Mutations that can fail validation use reply
// channels so the caller gets the verdict synchronously.
// ============================================================================

// apiReplyTimeout bounds how long a handler waits on the daemon. The daemon
// reduces in microseconds; hitting this means it is wedged or shutting down.
const apiReplyTimeout = 1 * time.Second

type apiServer struct {
	events chan<- Event
	ws     *StateWSServer
	logger *slog.Logger
}

func newAPIServer(events chan<- Event, ws *StateWSServer, logger *slog.Logger) *apiServer {
	return &apiServer{events: events, ws: ws, logger: logger}
}

// Handler builds the full route tree.
func (a *apiServer) Handler(metrics *daemonMetrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", a.handleGetState)
		r.Post("/master/toggle", a.handleToggleMaster)
		r.Post("/ad/dismiss", a.handleDismissAd)

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", a.handleListProfiles)
			r.Post("/", a.handleAddProfile)
			r.Put("/{id}", a.handleUpdateProfile)
			r.Delete("/{id}", a.handleDeleteProfile)
			r.Post("/{id}/activate", a.handleActivateProfile)
		})
	})

	if a.ws != nil {
		r.Get("/ws", a.ws.HandleStateWS)
	}
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

// snapshot round-trips a state request through the daemon.
func (a *apiServer) snapshot(ctx context.Context) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)

	ctx, cancel := context.WithTimeout(ctx, apiReplyTimeout)
	defer cancel()

	select {
	case a.events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("daemon not accepting events: %w", ctx.Err())
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("state snapshot timed out: %w", ctx.Err())
	}
}

// profileOp sends a mutation carrying a reply channel and waits for the
// verdict.
func (a *apiServer) profileOp(ctx context.Context, ev Event, reply chan ProfileOpResult) (ProfileOpResult, error) {
	ctx, cancel := context.WithTimeout(ctx, apiReplyTimeout)
	defer cancel()

	select {
	case a.events <- ev:
	case <-ctx.Done():
		return ProfileOpResult{}, fmt.Errorf("daemon not accepting events: %w", ctx.Err())
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return ProfileOpResult{}, fmt.Errorf("profile operation timed out: %w", ctx.Err())
	}
}

// fireAndForget enqueues an event without waiting for a result.
func (a *apiServer) fireAndForget(w http.ResponseWriter, r *http.Request, ev Event) {
	select {
	case a.events <- ev:
	case <-r.Context().Done():
		writeAPIError(w, http.StatusServiceUnavailable, errors.New("daemon not accepting events"))
		return
	}
	// Reply with the post-mutation state so clients don't need a follow-up
	// read.
	a.handleGetState(w, r)
}

func (a *apiServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap, err := a.snapshot(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *apiServer) handleToggleMaster(w http.ResponseWriter, r *http.Request) {
	a.fireAndForget(w, r, ToggleMaster{})
}

func (a *apiServer) handleDismissAd(w http.ResponseWriter, r *http.Request) {
	a.fireAndForget(w, r, DismissAd{})
}

func (a *apiServer) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	snap, err := a.snapshot(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, wsProfilesData{
		Profiles:        snap.Profiles,
		ActiveProfileID: snap.ActiveProfileID,
	})
}

func (a *apiServer) handleAddProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeAPIError(w, http.StatusBadRequest, fmt.Errorf("malformed body: %w", err))
			return
		}
	}

	reply := make(chan ProfileOpResult, 1)
	res, err := a.profileOp(r.Context(), AddProfile{Name: body.Name, Reply: reply}, reply)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, err)
		return
	}
	if res.Err != nil {
		writeAPIError(w, http.StatusUnprocessableEntity, res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, res.Profile)
}

func (a *apiServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var p Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeAPIError(w, http.StatusBadRequest, fmt.Errorf("malformed body: %w", err))
		return
	}
	// The path is authoritative for identity.
	p.ID = chi.URLParam(r, "id")

	reply := make(chan ProfileOpResult, 1)
	res, err := a.profileOp(r.Context(), UpdateProfile{Profile: p, Reply: reply}, reply)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, err)
		return
	}
	if res.Err != nil {
		writeAPIError(w, http.StatusUnprocessableEntity, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Profile)
}

func (a *apiServer) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	reply := make(chan ProfileOpResult, 1)
	res, err := a.profileOp(r.Context(), DeleteProfile{ID: chi.URLParam(r, "id"), Reply: reply}, reply)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, err)
		return
	}
	if res.Err != nil {
		writeAPIError(w, http.StatusNotFound, res.Err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleActivateProfile(w http.ResponseWriter, r *http.Request) {
	a.fireAndForget(w, r, SetActiveProfile{ID: chi.URLParam(r, "id")})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// runHTTPServer serves the API until ctx is canceled, then shuts down
// gracefully.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", "error", err)
		}
		logger.Info("http server stopped")
		return nil
	}
}
