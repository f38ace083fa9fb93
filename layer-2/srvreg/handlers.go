package srvreg

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-2/identity"
	"github.com/ahmadzakiakmal/foodtrace/trace"
	"github.com/shopspring/decimal"
)

// RegisterDefaultServices sets up all default endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	sr.RegisterHandler("POST", "/users/register", sr.RegisterUserHandler)
	sr.RegisterHandler("POST", "/users/login", sr.LoginHandler)

	sr.RegisterHandler("POST", "/batches", sr.RegisterBatchHandler)
	sr.RegisterHandler("GET", "/batches", sr.ListBatchesHandler)
	sr.RegisterHandler("GET", "/batches/:id", sr.GetBatchHandler)
	sr.RegisterHandler("POST", "/batches/:id/border", sr.CrossBorderHandler)
	sr.RegisterHandler("POST", "/batches/:id/receive", sr.DistributorReceiveHandler)
	sr.RegisterHandler("POST", "/batches/:id/split", sr.SplitHandler)
	sr.RegisterHandler("GET", "/batches/:id/history", sr.HistoryHandler)
	sr.RegisterHandler("GET", "/batches/:id/lineage", sr.LineageHandler)
	sr.RegisterHandler("GET", "/batches/:id/audit", sr.AuditHandler)

	sr.RegisterHandler("GET", "/info", sr.InfoHandler)
}

// BatchView is a product as shown to clients, with expiry evaluated at
// response time
type BatchView struct {
	trace.Product
	Expired bool `json:"expired"`
}

func (sr *ServiceRegistry) view(p trace.Product) BatchView {
	return BatchView{Product: p, Expired: trace.IsExpired(p, sr.clock())}
}

func (sr *ServiceRegistry) views(ps []trace.Product) []BatchView {
	out := make([]BatchView, 0, len(ps))
	for _, p := range ps {
		out = append(out, sr.view(p))
	}
	return out
}

// session authenticates the Bearer token of a request. A missing or bad
// token is answered with 401 here, before any role check.
func (sr *ServiceRegistry) session(req *Request) (trace.Session, *Response) {
	auth := req.Headers["Authorization"]
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		token = ""
	}
	sess, err := sr.directory.Authenticate(strings.TrimSpace(token))
	if err != nil {
		var detail string
		var te *trace.Error
		if errors.As(err, &te) {
			detail = te.Detail
		}
		return trace.Session{}, errorResponse(http.StatusUnauthorized, string(trace.CodeAuthorization), "Authentication required", detail)
	}
	return sess, nil
}

func decodeBody(req *Request, v any) error {
	if req.Body == "" {
		return trace.Validation("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(req.Body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return trace.Validation("invalid request body: %v", err)
	}
	return nil
}

// parseDate accepts RFC 3339 timestamps and plain dates.
func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, trace.Validation("%s is required", field)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	return time.Time{}, trace.Validation("%s must be a date (YYYY-MM-DD) or RFC 3339 timestamp, got %q", field, value)
}

// RegisterUserHandler creates a user
func (sr *ServiceRegistry) RegisterUserHandler(req *Request) (*Response, error) {
	var body identity.RegisterRequest
	if err := decodeBody(req, &body); err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	profile, err := sr.directory.Register(req.Context(), body)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	sr.logger.Info("User registered", "actor", profile.Actor, "role", profile.Role)
	return jsonResponse(http.StatusCreated, profile)
}

// LoginHandler exchanges credentials for a session token
func (sr *ServiceRegistry) LoginHandler(req *Request) (*Response, error) {
	var body struct {
		PhoneNumber string `json:"phone_number"`
		Password    string `json:"password"`
	}
	if err := decodeBody(req, &body); err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	token, err := sr.directory.Login(req.Context(), body.PhoneNumber, body.Password)
	if err != nil {
		if trace.CodeOf(err) == trace.CodeAuthorization {
			return errorResponse(http.StatusUnauthorized, string(trace.CodeAuthorization), "Invalid credentials", ""), nil
		}
		return sr.traceErrorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, token)
}

// RegisterBatchHandler registers a new batch
func (sr *ServiceRegistry) RegisterBatchHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	var body struct {
		Producer       string          `json:"producer"`
		FarmName       string          `json:"farm_name"`
		Location       string          `json:"location"`
		ItemName       string          `json:"item_name"`
		Quantity       decimal.Decimal `json:"quantity"`
		Unit           string          `json:"unit"`
		ProductionDate string          `json:"production_date"`
		ExpiryDate     string          `json:"expiry_date"`
	}
	if err := decodeBody(req, &body); err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	produced, err := parseDate("production_date", body.ProductionDate)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	expires, err := parseDate("expiry_date", body.ExpiryDate)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}

	batch, err := sr.tracer.Register(req.Context(), sess, trace.Registration{
		Producer:       body.Producer,
		FarmName:       body.FarmName,
		Location:       body.Location,
		ItemName:       body.ItemName,
		Quantity:       body.Quantity,
		Unit:           body.Unit,
		ProductionDate: produced,
		ExpiryDate:     expires,
	})
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	product, err := sr.tracer.Get(req.Context(), sess, batch)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	sr.logger.Info("Batch registered", "batch", batch, "actor", sess.Actor)
	return jsonResponse(http.StatusCreated, sr.view(product))
}

// ListBatchesHandler lists batches, optionally filtered by ?q= and ?status=
func (sr *ServiceRegistry) ListBatchesHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	var status trace.Status
	if s := req.Query["status"]; s != "" {
		parsed, err := trace.ParseStatus(s)
		if err != nil {
			return sr.traceErrorResponse(req, err), nil
		}
		status = parsed
	}
	products, err := sr.tracer.Search(req.Context(), sess, req.Query["q"], status)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, map[string]any{
		"products": sr.views(products),
		"count":    len(products),
	})
}

// GetBatchHandler returns one batch
func (sr *ServiceRegistry) GetBatchHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	product, err := sr.tracer.Get(req.Context(), sess, req.Params["id"])
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, sr.view(product))
}

// StatusChange is the answer to a lifecycle transition
type StatusChange struct {
	BatchNumber string       `json:"batch_number"`
	Status      trace.Status `json:"status"`
}

// CrossBorderHandler records a border inspection
func (sr *ServiceRegistry) CrossBorderHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	var body struct {
		Location string `json:"location"`
		Outcome  string `json:"outcome"`
	}
	if err := decodeBody(req, &body); err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	outcome, err := trace.ParseOutcome(body.Outcome)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	batch := req.Params["id"]
	status, err := sr.tracer.CrossBorder(req.Context(), sess, batch, body.Location, outcome)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	sr.logger.Info("Border crossing recorded", "batch", batch, "outcome", outcome, "status", status)
	return jsonResponse(http.StatusOK, StatusChange{BatchNumber: batch, Status: status})
}

// DistributorReceiveHandler records receipt by a distributor
func (sr *ServiceRegistry) DistributorReceiveHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	var body struct {
		Location string `json:"location"`
	}
	if err := decodeBody(req, &body); err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	batch := req.Params["id"]
	status, err := sr.tracer.DistributorReceive(req.Context(), sess, batch, body.Location)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	sr.logger.Info("Distributor receipt recorded", "batch", batch, "status", status)
	return jsonResponse(http.StatusOK, StatusChange{BatchNumber: batch, Status: status})
}

// SplitResult is the answer to a split
type SplitResult struct {
	Parent BatchView `json:"parent"`
	Child  BatchView `json:"child"`
}

// SplitHandler splits a batch and assigns the new portion to a seller
func (sr *ServiceRegistry) SplitHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	var body struct {
		Seller      string          `json:"seller"`
		SellerLabel string          `json:"seller_label"`
		Amount      decimal.Decimal `json:"amount"`
		Location    string          `json:"location"`
	}
	if err := decodeBody(req, &body); err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	batch := req.Params["id"]
	child, err := sr.tracer.SplitAndAssign(req.Context(), sess, batch, trace.Assignment{
		Seller:      body.Seller,
		SellerLabel: body.SellerLabel,
		Amount:      body.Amount,
		Location:    body.Location,
	})
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}

	parent, err := sr.tracer.Get(req.Context(), sess, batch)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	childProduct, err := sr.tracer.Get(req.Context(), sess, child)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	sr.logger.Info("Batch split", "parent", batch, "child", child, "amount", body.Amount.String())
	return jsonResponse(http.StatusCreated, SplitResult{Parent: sr.view(parent), Child: sr.view(childProduct)})
}

// HistoryHandler returns the movement log of a batch. ?format=parallel
// answers in the four-array encoding, with ?units=ms for millisecond
// timestamps.
func (sr *ServiceRegistry) HistoryHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	batch := req.Params["id"]
	log, err := sr.tracer.GetMovementHistory(req.Context(), sess, batch)
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}

	switch req.Query["format"] {
	case "", "log":
		return jsonResponse(http.StatusOK, map[string]any{
			"batch_number": batch,
			"movements":    log,
		})
	case "parallel":
		h := trace.EncodeHistory(log)
		if req.Query["units"] == "ms" {
			h.Timestamps = h.TimestampsMillis()
		}
		return jsonResponse(http.StatusOK, h)
	default:
		return sr.traceErrorResponse(req, trace.Validation("format must be log or parallel, got %q", req.Query["format"])), nil
	}
}

// LineageHandler returns the split ancestry of a batch
func (sr *ServiceRegistry) LineageHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	l, err := sr.tracer.Lineage(req.Context(), sess, req.Params["id"])
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	return jsonResponse(http.StatusOK, map[string]any{
		"batch":     sr.view(l.Batch),
		"ancestors": sr.views(l.Ancestors),
		"children":  sr.views(l.Children),
	})
}

// AuditHandler compares a batch log with the ledger's copy
func (sr *ServiceRegistry) AuditHandler(req *Request) (*Response, error) {
	sess, denied := sr.session(req)
	if denied != nil {
		return denied, nil
	}
	report, err := sr.tracer.Audit(req.Context(), sess, req.Params["id"])
	if err != nil {
		return sr.traceErrorResponse(req, err), nil
	}
	if !report.Consistent {
		sr.logger.Error("Audit found mismatches", "batch", report.BatchNumber, "mismatches", strings.Join(report.Mismatches, "; "))
	}
	return jsonResponse(http.StatusOK, report)
}

// InfoHandler returns node information
func (sr *ServiceRegistry) InfoHandler(req *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, map[string]any{
		"node_id": sr.info.NodeID,
		"store":   sr.info.Store,
		"type":    "Trace Node",
		"status":  "active",
		"uptime":  time.Since(sr.startTime).Round(time.Second).String(),
	})
}
