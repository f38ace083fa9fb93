package srvreg

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/trace"
)

// RegisterDefaultServices sets up the ledger node routes
func (sr *ServiceRegistry) RegisterDefaultServices() {
	sr.RegisterHandler("POST", "/l1/commit", true, sr.ReceiveCommitHandler)

	sr.RegisterHandler("GET", "/l1/history/:batch", false, sr.GetHistoryHandler)
	sr.RegisterHandler("GET", "/l1/snapshot", true, sr.GetSnapshotHandler)
	sr.RegisterHandler("GET", "/l1/products", true, sr.ListProductsHandler)
	sr.RegisterHandler("GET", "/l1/transaction/:hash", false, sr.GetTransactionHandler)

	sr.RegisterHandler("GET", "/l1/status", true, sr.StatusHandler)
}

// CommitResponse acknowledges a change set accepted by consensus
type CommitResponse struct {
	Message     string `json:"message"`
	ChangeSetID string `json:"change_set_id"`
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
}

// ReceiveCommitHandler runs a trace node change set through consensus
func (sr *ServiceRegistry) ReceiveCommitHandler(req *Request) (*Response, error) {
	var cs trace.ChangeSet
	dec := json.NewDecoder(bytes.NewReader([]byte(req.Body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cs); err != nil {
		sr.logger.Error("Failed to parse change set", "err", err)
		return errorResponse(http.StatusBadRequest, string(trace.CodeValidation), "Invalid request format", err.Error()), nil
	}

	record, repoErr := sr.ledger.ReceiveCommit(req.Context(), cs)
	if repoErr != nil {
		sr.logger.Error("Change set not committed", "id", cs.ID, "code", repoErr.Code, "detail", repoErr.Detail)
		return repositoryErrorResponse(repoErr), nil
	}

	return jsonResponse(http.StatusAccepted, CommitResponse{
		Message:     "Change set committed",
		ChangeSetID: record.ChangeSetID,
		TxHash:      record.TxHash,
		BlockHeight: record.BlockHeight,
	})
}

// GetHistoryHandler returns a batch history in the four-array encoding
func (sr *ServiceRegistry) GetHistoryHandler(req *Request) (*Response, error) {
	h, repoErr := sr.ledger.History(req.Context(), req.Params["batch"])
	if repoErr != nil {
		return repositoryErrorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, h)
}

// GetSnapshotHandler returns all products and logs on the ledger
func (sr *ServiceRegistry) GetSnapshotHandler(req *Request) (*Response, error) {
	snap, repoErr := sr.ledger.Snapshot(req.Context())
	if repoErr != nil {
		return repositoryErrorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, snap)
}

// ListProductsHandler lists mirrored products, filtered by ?status=
func (sr *ServiceRegistry) ListProductsHandler(req *Request) (*Response, error) {
	status := req.Query["status"]
	if status != "" {
		parsed, err := trace.ParseStatus(status)
		if err != nil {
			return errorResponse(http.StatusBadRequest, string(trace.CodeValidation), "Invalid status filter", err.Error()), nil
		}
		status = string(parsed)
	}
	products, repoErr := sr.ledger.ListProducts(status)
	if repoErr != nil {
		return repositoryErrorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, map[string]any{
		"products": products,
		"count":    len(products),
	})
}

// GetTransactionHandler retrieves a commit record by transaction hash
func (sr *ServiceRegistry) GetTransactionHandler(req *Request) (*Response, error) {
	record, repoErr := sr.ledger.GetTransactionByHash(req.Params["hash"])
	if repoErr != nil {
		return repositoryErrorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, record)
}

// StatusHandler provides ledger node status
func (sr *ServiceRegistry) StatusHandler(req *Request) (*Response, error) {
	commits, repoErr := sr.ledger.CountCommits()
	if repoErr != nil {
		sr.logger.Error("Failed to count commits", "err", repoErr.Detail)
	}
	return jsonResponse(http.StatusOK, map[string]any{
		"status":  "active",
		"layer":   "L1",
		"type":    "Byzantine Fault Tolerant",
		"commits": commits,
		"uptime":  time.Since(sr.startTime).String(),
		"time":    time.Now(),
	})
}
