// Package api exposes the control plane over REST/JSON: device-facing
// enrollment endpoints (unauthenticated, MAC-keyed) and tenant-scoped
// admin endpoints for the dashboard.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trapsight/backend/internal/database"
	"github.com/trapsight/backend/internal/escalation"
	"github.com/trapsight/backend/internal/fabric"
	"github.com/trapsight/backend/internal/multitenancy"
	"github.com/trapsight/backend/internal/registry"
	"github.com/trapsight/backend/internal/session"
	"github.com/trapsight/backend/internal/websocket"
)

// Server wires the HTTP surface.
type Server struct {
	store    database.Store
	registry *registry.Service
	sessions *session.Core
	engine   *escalation.Engine
	fabric   fabric.Publisher
	tenants  *multitenancy.TenantManager
	streamer *websocket.Streamer
	logger   *log.Logger

	httpServer *http.Server
}

// NewServer builds the HTTP server.
func NewServer(store database.Store, reg *registry.Service, sessions *session.Core,
	engine *escalation.Engine, pub fabric.Publisher, tenants *multitenancy.TenantManager,
	streamer *websocket.Streamer) *Server {
	return &Server{
		store:    store,
		registry: reg,
		sessions: sessions,
		engine:   engine,
		fabric:   pub,
		tenants:  tenants,
		streamer: streamer,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles all routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// --- Operational ---
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	// --- Device-facing (no tenant header; identity is the MAC). Paths
	// are unprefixed: firmware in the field hardcodes them.
	r.HandleFunc("/device/claiming-mode", s.handleClaimingMode).Methods("POST")
	r.HandleFunc("/devices/claim", s.handleClaim).Methods("POST")
	r.HandleFunc("/device/check-claim/{mac}", s.handleCheckClaim).Methods("GET")
	r.HandleFunc("/device/claim-status", s.handleClaimStatus).Methods("GET")
	r.HandleFunc("/device/verify-revocation", s.handleVerifyRevocation).Methods("POST")
	r.HandleFunc("/device/unclaim-notify", s.handleUnclaimNotify).Methods("POST")

	// --- Admin (tenant-scoped) ---
	admin := r.PathPrefix("/api").Subrouter()
	admin.Use(s.tenants.Middleware)
	admin.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	admin.HandleFunc("/devices/{id}/name", s.handleRenameDevice).Methods("PUT")
	admin.HandleFunc("/devices/{id}/command", s.handleDeviceCommand).Methods("POST")
	admin.HandleFunc("/devices/{id}/rotate-credentials", s.handleRotate).Methods("POST")
	admin.HandleFunc("/devices/{id}/migrate", s.handleMigrate).Methods("POST")
	admin.HandleFunc("/devices/{id}/revoke", s.handleRevoke).Methods("POST")
	admin.HandleFunc("/claim-codes", s.handleCreateClaimCode).Methods("POST")
	admin.HandleFunc("/alerts", s.handleListAlerts).Methods("GET")
	admin.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods("POST")
	admin.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods("POST")
	admin.HandleFunc("/contacts", s.handleListContacts).Methods("GET")
	admin.HandleFunc("/manifests/{kind}", s.handlePublishManifest).Methods("POST")

	// --- Live event stream ---
	r.HandleFunc("/ws/alerts", s.handleAlertStream).Methods("GET")

	return r
}

// Start runs the HTTP server until the listener fails.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Printf("listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":           "ok",
		"broker_connected": s.fabric.Connected(),
		"websocket":        s.streamer.Statistics(),
		"time":             time.Now().UTC(),
	}
	if !s.fabric.Connected() {
		status["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAlertStream upgrades a dashboard connection. The tenant is
// validated here rather than by middleware because websocket clients
// cannot always set headers; a query parameter is accepted too.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant")
	}
	if _, err := s.tenants.LoadTenant(r.Context(), tenantID); err != nil {
		writeError(w, http.StatusUnauthorized, "unknown tenant")
		return
	}
	s.streamer.HandleWebSocket(tenantID, w, r)
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}
