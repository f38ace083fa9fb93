package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-1/app"
	"github.com/ahmadzakiakmal/foodtrace/layer-1/srvreg"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/google/uuid"
)

// WebServer handles HTTP requests for the ledger node
type WebServer struct {
	app             *app.Application
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	node            *nm.Node
	startTime       time.Time
	serviceRegistry *srvreg.ServiceRegistry
	rpcClient       *cmtrpc.Local
}

// NewWebServer creates a new ledger node web server
func NewWebServer(app *app.Application, httpPort string, logger cmtlog.Logger, node *nm.Node, serviceRegistry *srvreg.ServiceRegistry) *WebServer {
	mux := http.NewServeMux()

	server := &WebServer{
		app:      app,
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger.With("module", "webserver"),
		node:            node,
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		rpcClient:       cmtrpc.New(node),
	}

	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.HandleFunc("/l1/", server.handleL1API)

	return server
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting L1 web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("L1 web server error", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down L1 web server")
	return ws.server.Shutdown(ctx)
}

func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":    "traceability ledger",
		"node_id": string(ws.node.NodeInfo().ID()),
		"rpc":     ws.node.Config().RPC.ListenAddress,
		"endpoints": []string{
			"POST /l1/commit",
			"GET  /l1/history/{batch}",
			"GET  /l1/snapshot",
			"GET  /l1/products?status=",
			"GET  /l1/transaction/{hash}",
			"GET  /l1/status",
			"GET  /debug",
		},
	})
}

// handleDebug provides consensus debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeStatus := "online"
	if ws.node.ConsensusReactor().WaitSync() {
		nodeStatus = "syncing"
	}
	if !ws.node.IsListening() {
		nodeStatus = "offline"
	}

	debugInfo := map[string]any{
		"layer":       "L1",
		"node_id":     string(ws.node.NodeInfo().ID()),
		"app_node_id": ws.app.NodeID(),
		"node_status": nodeStatus,
		"p2p_address": ws.node.Config().P2P.ListenAddress,
		"rpc_address": ws.node.Config().RPC.ListenAddress,
		"uptime":      time.Since(ws.startTime).String(),
	}

	outboundPeers, inboundPeers, dialingPeers := ws.node.Switch().NumPeers()
	debugInfo["num_peers_out"] = outboundPeers
	debugInfo["num_peers_in"] = inboundPeers
	debugInfo["num_peers_dialing"] = dialingPeers

	status, err := ws.rpcClient.Status(r.Context())
	if err != nil {
		debugInfo["consensus_error"] = err.Error()
	} else {
		debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
		debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
		debugInfo["catching_up"] = status.SyncInfo.CatchingUp
	}

	abciInfo, err := ws.rpcClient.ABCIInfo(r.Context())
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	writeJSON(w, http.StatusOK, debugInfo)
}

// handleL1API dispatches /l1/ requests through the service registry
func (ws *WebServer) handleL1API(w http.ResponseWriter, r *http.Request) {
	request, err := srvreg.ConvertHttpRequestToConsensusRequest(r, uuid.NewString())
	if err != nil {
		JSONError(w, "Failed to read request: "+err.Error(), http.StatusBadRequest)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	response, err := request.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		ws.logger.Error("Failed to generate response", "err", err)
	}
	if response == nil {
		JSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)
	w.Write([]byte(response.Body))

	ws.logger.Info("L1 API request processed",
		"request_id", request.RequestID,
		"path", request.Path,
		"method", request.Method,
		"status", response.StatusCode,
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}

func JSONError(w http.ResponseWriter, message string, statusCode int) {
	jsonBytes, err := json.Marshal(srvreg.ErrorBody{Error: srvreg.ErrorDetail{
		Code:    "HTTP_" + strconv.Itoa(statusCode),
		Message: message,
	}})
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
