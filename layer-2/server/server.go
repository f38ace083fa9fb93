package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-2/srvreg"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
)

// WebServer handles HTTP requests for a trace node
type WebServer struct {
	httpAddr        string
	server          *http.Server
	serviceRegistry *srvreg.ServiceRegistry
	logger          cmtlog.Logger
	startTime       time.Time
	nodeID          string
}

// NewWebServer creates a new trace node web server
func NewWebServer(httpPort string, serviceRegistry *srvreg.ServiceRegistry, nodeID string, logger cmtlog.Logger) *WebServer {
	mux := http.NewServeMux()

	ws := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		serviceRegistry: serviceRegistry,
		logger:          logger.With("module", "webserver"),
		startTime:       time.Now(),
		nodeID:          nodeID,
	}

	mux.HandleFunc("/", ws.handleRoot)
	mux.HandleFunc("/info", ws.handleAPI)
	mux.HandleFunc("/users/", ws.handleAPI)
	mux.HandleFunc("/batches", ws.handleAPI)
	mux.HandleFunc("/batches/", ws.handleAPI)

	return ws
}

// Handler exposes the routing for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start starts the trace node web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting trace node web server", "node_id", ws.nodeID, "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("Trace node web server error", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down trace node web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot lists the endpoints of the node
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":    "trace node",
		"node_id": ws.nodeID,
		"uptime":  time.Since(ws.startTime).Round(time.Second).String(),
		"endpoints": []string{
			"POST /users/register",
			"POST /users/login",
			"POST /batches",
			"GET  /batches?q=&status=",
			"GET  /batches/{id}",
			"POST /batches/{id}/border",
			"POST /batches/{id}/receive",
			"POST /batches/{id}/split",
			"GET  /batches/{id}/history?format=parallel",
			"GET  /batches/{id}/lineage",
			"GET  /batches/{id}/audit",
			"GET  /info",
		},
	})
}

// handleAPI dispatches requests through the service registry
func (ws *WebServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	start := time.Now()

	req, err := srvreg.ConvertHttpRequest(r, uuid.NewString())
	if err != nil {
		jsonError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	response, err := req.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		ws.logger.Error("Error generating response", "request_id", req.RequestID, "err", err)
	}
	if response == nil {
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeResponse(w, response)
	ws.logger.Info("Request processed",
		"request_id", req.RequestID,
		"method", req.Method,
		"path", req.Path,
		"status", response.StatusCode,
		"duration", time.Since(start).String(),
	)
}

// writeResponse writes a Response to http.ResponseWriter
func writeResponse(w http.ResponseWriter, resp *srvreg.Response) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write([]byte(resp.Body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error response
func jsonError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, srvreg.ErrorBody{Error: srvreg.ErrorDetail{
		Code:    "HTTP_" + strconv.Itoa(statusCode),
		Message: message,
	}})
}
