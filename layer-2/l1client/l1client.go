package l1client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/trace"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// L1Client is the trace node's view of the ledger node. It implements
// trace.Store and trace.HistorySource over the ledger's HTTP API.
type L1Client struct {
	endpoint   string
	httpClient *http.Client
	nodeID     string
	logger     cmtlog.Logger
}

// CommitResponse is the ledger's acknowledgement of a change set
type CommitResponse struct {
	Message     string `json:"message"`
	ChangeSetID string `json:"change_set_id"`
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
}

// NewL1Client creates a new L1 client
func NewL1Client(endpoint, nodeID string, timeout time.Duration, logger cmtlog.Logger) *L1Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &L1Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		nodeID: nodeID,
		logger: logger.With("module", "l1client"),
	}
}

var (
	_ trace.Store         = (*L1Client)(nil)
	_ trace.HistorySource = (*L1Client)(nil)
)

// Commit sends a change set to the ledger and waits for consensus. The
// ledger treats a repeated change set id as already applied, so a commit
// whose acknowledgement was lost can be sent again.
func (c *L1Client) Commit(ctx context.Context, cs trace.ChangeSet) error {
	if cs.Origin == "" {
		cs.Origin = c.nodeID
	}
	payload, err := json.Marshal(cs)
	if err != nil {
		return trace.Validation("encoding change set %s: %v", cs.ID, err)
	}

	var ack CommitResponse
	if err := c.do(ctx, http.MethodPost, "/l1/commit", payload, "", &ack); err != nil {
		return err
	}
	c.logger.Debug("Change set committed", "id", cs.ID, "tx_hash", ack.TxHash, "height", ack.BlockHeight)
	return nil
}

// Load fetches every product and movement log held by the ledger.
func (c *L1Client) Load(ctx context.Context) (trace.Snapshot, error) {
	var snap trace.Snapshot
	if err := c.do(ctx, http.MethodGet, "/l1/snapshot", nil, "", &snap); err != nil {
		return trace.Snapshot{}, err
	}
	if snap.Movements == nil {
		snap.Movements = make(map[string][]trace.Movement)
	}
	return snap, nil
}

// History fetches one batch history in the four-array encoding.
func (c *L1Client) History(ctx context.Context, batchNumber string) (trace.ParallelHistory, error) {
	var h trace.ParallelHistory
	err := c.do(ctx, http.MethodGet, "/l1/history/"+url.PathEscape(batchNumber), nil, batchNumber, &h)
	return h, err
}

// HealthCheck checks if L1 is reachable
func (c *L1Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/l1/status", nil, "", nil)
}

// do sends one request and maps the outcome onto the trace error taxonomy.
// Transport failures and 5xx answers are CONNECTIVITY_ERROR; a 2xx body
// that does not decode is PROTOCOL_ERROR.
func (c *L1Client) do(ctx context.Context, method, path string, body []byte, batchNumber string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return trace.Validation("building request %s %s: %v", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return trace.Connectivity(ctxErr, "%s %s abandoned", method, path)
		}
		return trace.Connectivity(err, "sending %s %s to L1", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return trace.Connectivity(err, "reading L1 response to %s %s", method, path)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return trace.Protocol("decoding L1 response to %s %s: %v", method, path, err)
		}
		return nil
	}
	return c.statusError(resp.StatusCode, respBody, batchNumber)
}

func (c *L1Client) statusError(status int, body []byte, batchNumber string) error {
	var env errorEnvelope
	detail := string(body)
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		detail = env.Error.Message
		if env.Error.Detail != "" {
			detail += ": " + env.Error.Detail
		}
	}

	switch {
	case status == http.StatusBadRequest:
		return trace.Validation("L1 rejected request: %s", detail)
	case status == http.StatusNotFound && batchNumber != "":
		return trace.NotFound(batchNumber)
	case status == http.StatusConflict:
		return trace.Conflict("L1 rejected change set: %s", detail)
	case status >= 500:
		return trace.Connectivity(errors.New(http.StatusText(status)), "L1 returned %d: %s", status, detail)
	default:
		return trace.Protocol("unexpected L1 status %d: %s", status, detail)
	}
}

// String describes the client for logs.
func (c *L1Client) String() string {
	return fmt.Sprintf("L1Client(%s)", c.endpoint)
}
