// Package api exposes the federation state store over HTTP/JSON and
// provides the matching Go client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fedstate/internal/federation"
	"fedstate/internal/logger"
	"fedstate/internal/store"
	"fedstate/internal/store/raftstore"
)

// Store is the operation set served by the API. Both *store.Store and
// the read-through *cache.Store implement it.
type Store interface {
	RegisterSubCluster(ctx context.Context, info federation.SubClusterInfo) error
	SubClusterHeartbeat(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState, capability string) error
	DeregisterSubCluster(ctx context.Context, id federation.SubClusterID, state federation.SubClusterState) error
	GetSubCluster(ctx context.Context, id federation.SubClusterID) (federation.SubClusterInfo, error)
	GetSubClusters(ctx context.Context, activeOnly bool) ([]federation.SubClusterInfo, error)

	AddApplicationHomeSubCluster(ctx context.Context, home federation.ApplicationHomeSubCluster) error
	UpdateApplicationHomeSubCluster(ctx context.Context, home federation.ApplicationHomeSubCluster) error
	DeleteApplicationHomeSubCluster(ctx context.Context, appID federation.ApplicationID) error
	GetApplicationHomeSubCluster(ctx context.Context, appID federation.ApplicationID) (federation.ApplicationHomeSubCluster, error)
	GetApplicationsHomeSubCluster(ctx context.Context) ([]federation.ApplicationHomeSubCluster, error)

	SetPolicyConfiguration(ctx context.Context, p federation.PolicyConfiguration) error
	GetPolicyConfiguration(ctx context.Context, queue string) (federation.PolicyConfiguration, error)
	GetPoliciesConfigurations(ctx context.Context) ([]federation.PolicyConfiguration, error)

	Ping(ctx context.Context) error
}

// Joiner adds a raft voter. Only the raft driver has one.
type Joiner interface {
	Join(nodeID, addr string) error
}

// HTTPServer serves the API.
type HTTPServer struct {
	Store Store
	Addr  string

	// Optional. Without a Joiner /v1/cluster/join answers 501.
	Joiner   Joiner
	IsLeader func() bool

	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	Log             *zap.Logger
	ShutdownTimeout time.Duration

	srv *http.Server
}

// Handler builds the router.
func (h *HTTPServer) Handler() http.Handler {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(withRequestID, withLogging(log), withRecover)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/subclusters", func(r chi.Router) {
			r.Get("/", h.handleGetSubClusters)
			r.Put("/{id}", h.handleRegister)
			r.Get("/{id}", h.handleGetSubCluster)
			r.Put("/{id}/heartbeat", h.handleHeartbeat)
			r.Put("/{id}/deregister", h.handleDeregister)
		})
		r.Route("/applications", func(r chi.Router) {
			r.Get("/", h.handleGetApplications)
			r.Post("/", h.handleAddApplication)
			r.Get("/{appID}", h.handleGetApplication)
			r.Put("/{appID}", h.handleUpdateApplication)
			r.Delete("/{appID}", h.handleDeleteApplication)
		})
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.handleGetPolicies)
			r.Get("/{queue}", h.handleGetPolicy)
			r.Put("/{queue}", h.handleSetPolicy)
		})
		r.Get("/health", h.handleHealth)
		r.Post("/cluster/join", h.handleJoin)
	})

	if h.Metrics != nil {
		path := h.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h.Metrics)
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (h *HTTPServer) Start(ctx context.Context) error {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := h.ShutdownTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	h.srv = &http.Server{
		Addr:              h.Addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = h.srv.Shutdown(shutdownCtx)
	}()
	log.Info("http server listening", zap.String("addr", h.Addr))
	err := h.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// membership
// ============================================================================

func (h *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := federation.SubClusterID(pathParam(r, "id"))
	var info federation.SubClusterInfo
	if !decodeBody(w, r, &info) {
		return
	}
	if info.ID == "" {
		info.ID = id
	}
	if info.ID != id {
		writeInvalid(w, fmt.Sprintf("body sub-cluster %q does not match path %q", info.ID, id))
		return
	}
	if info.State != "" {
		st, ok := parseState(w, info.State)
		if !ok {
			return
		}
		info.State = st
	}
	if err := h.Store.RegisterSubCluster(r.Context(), info); err != nil {
		writeStoreErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := federation.SubClusterID(pathParam(r, "id"))
	var req HeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	state, ok := parseState(w, req.State)
	if !ok {
		return
	}
	if err := h.Store.SubClusterHeartbeat(r.Context(), id, state, req.Capability); err != nil {
		writeStoreErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPServer) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := federation.SubClusterID(pathParam(r, "id"))
	var req DeregisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	state, ok := parseState(w, req.State)
	if !ok {
		return
	}
	if err := h.Store.DeregisterSubCluster(r.Context(), id, state); err != nil {
		writeStoreErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPServer) handleGetSubCluster(w http.ResponseWriter, r *http.Request) {
	info, err := h.Store.GetSubCluster(r.Context(), federation.SubClusterID(pathParam(r, "id")))
	if err != nil {
		writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *HTTPServer) handleGetSubClusters(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeInvalid(w, "active: "+err.Error())
			return
		}
		activeOnly = b
	}
	infos, err := h.Store.GetSubClusters(r.Context(), activeOnly)
	if err != nil {
		writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// ============================================================================
// application homing
// ============================================================================

func (h *HTTPServer) handleAddApplication(w http.ResponseWriter, r *http.Request) {
	var home federation.ApplicationHomeSubCluster
	if !decodeBody(w, r, &home) {
		return
	}
	if err := h.Store.AddApplicationHomeSubCluster(r.Context(), home); err != nil {
		writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, home)
}

func (h *HTTPServer) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	appID, ok := parseAppID(w, r)
	if !ok {
		return
	}
	var home federation.ApplicationHomeSubCluster
	if !decodeBody(w, r, &home) {
		return
	}
	if home.ApplicationID == (federation.ApplicationID{}) {
		home.ApplicationID = appID
	}
	if home.ApplicationID != appID {
		writeInvalid(w, fmt.Sprintf("body application %s does not match path %s", home.ApplicationID, appID))
		return
	}
	if err := h.Store.UpdateApplicationHomeSubCluster(r.Context(), home); err != nil {
		writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, home)
}

func (h *HTTPServer) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	appID, ok := parseAppID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteApplicationHomeSubCluster(r.Context(), appID); err != nil {
		writeStoreErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPServer) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	appID, ok := parseAppID(w, r)
	if !ok {
		return
	}
	home, err := h.Store.GetApplicationHomeSubCluster(r.Context(), appID)
	if err != nil {
		writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, home)
}

func (h *HTTPServer) handleGetApplications(w http.ResponseWriter, r *http.Request) {
	homes, err := h.Store.GetApplicationsHomeSubCluster(r.Context())
	if err != nil {
		writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, homes)
}

// ============================================================================
// policies
// ============================================================================

func (h *HTTPServer) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	queue := pathParam(r, "queue")
	var p federation.PolicyConfiguration
	if !decodeBody(w, r, &p) {
		return
	}
	if p.Queue == "" {
		p.Queue = queue
	}
	if p.Queue != queue {
		writeInvalid(w, fmt.Sprintf("body queue %q does not match path %q", p.Queue, queue))
		return
	}
	if err := h.Store.SetPolicyConfiguration(r.Context(), p); err != nil {
		writeStoreErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPServer) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPolicyConfiguration(r.Context(), pathParam(r, "queue"))
	if err != nil {
		writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPServer) handleGetPolicies(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Store.GetPoliciesConfigurations(r.Context())
	if err != nil {
		writeStoreErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// ============================================================================
// cluster
// ============================================================================

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var resp HealthResponse
	if h.IsLeader != nil {
		leader := h.IsLeader()
		resp.Leader = &leader
	}
	if err := h.Store.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ok"
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	if h.Joiner == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "driver does not support joining", Kind: store.KindFailure.String()})
		return
	}
	var req JoinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" || req.Addr == "" {
		writeInvalid(w, "nodeId and addr are required")
		return
	}
	if err := h.Joiner.Join(req.NodeID, req.Addr); err != nil {
		writeStoreErr(w, r, err)
		return
	}
	logger.From(r.Context()).Info("node joined", zap.String("node", req.NodeID), zap.String("addr", req.Addr))
	w.WriteHeader(http.StatusOK)
}

// ============================================================================
// helpers
// ============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeInvalid(w, "bad request: "+err.Error())
		return false
	}
	return true
}

// pathParam returns the decoded URL parameter. chi matches on the raw
// path, so an id sent as a%2Fb arrives still escaped.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func parseState(w http.ResponseWriter, s federation.SubClusterState) (federation.SubClusterState, bool) {
	st, err := federation.ParseSubClusterState(string(s))
	if err != nil {
		writeInvalid(w, err.Error())
		return "", false
	}
	return st, true
}

func parseAppID(w http.ResponseWriter, r *http.Request) (federation.ApplicationID, bool) {
	appID, err := federation.ParseApplicationID(pathParam(r, "appID"))
	if err != nil {
		writeInvalid(w, err.Error())
		return federation.ApplicationID{}, false
	}
	return appID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeInvalid(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Kind: store.KindFailure.String()})
}

// statusOf maps an error onto its HTTP status.
func statusOf(err error) int {
	switch {
	case store.IsNotFound(err):
		return http.StatusNotFound
	case store.IsAlreadyExists(err):
		return http.StatusConflict
	case store.IsInvalid(err):
		return http.StatusBadRequest
	case errors.Is(err, raftstore.ErrNotLeader):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeStoreErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.From(r.Context()).Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: store.KindOf(err).String()})
}
