package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-1/repository"
	"github.com/ahmadzakiakmal/foodtrace/layer-1/repository/models"
	"github.com/ahmadzakiakmal/foodtrace/trace"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Request represents the client's HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      map[string]string `json:"query,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`

	ctx context.Context
}

// Context returns the context of the originating HTTP request.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Response represents the computed response from server
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey uniquely identifies a route
type RouteKey struct {
	Method string
	Path   string
}

// Ledger is what the handlers need from the repository
type Ledger interface {
	ReceiveCommit(ctx context.Context, cs trace.ChangeSet) (*models.CommitRecord, *repository.RepositoryError)
	History(ctx context.Context, batchNumber string) (*trace.ParallelHistory, *repository.RepositoryError)
	Snapshot(ctx context.Context) (*trace.Snapshot, *repository.RepositoryError)
	GetTransactionByHash(txHash string) (*models.CommitRecord, *repository.RepositoryError)
	ListProducts(status string) ([]models.Product, *repository.RepositoryError)
	CountCommits() (int64, *repository.RepositoryError)
}

// ServiceRegistry manages all service handlers of the ledger node
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool
	mu          sync.RWMutex
	ledger      Ledger
	logger      cmtlog.Logger
	startTime   time.Time
}

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(ledger Ledger, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		ledger:      ledger,
		logger:      logger.With("module", "srvreg"),
		startTime:   time.Now(),
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the handler for a path and extracts its
// ":name" parameters.
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, map[string]string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok && sr.exactRoutes[key] {
		return handler, nil, true
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) || sr.exactRoutes[routeKey] {
			continue
		}
		if params, ok := matchPath(routeKey.Path, path); ok {
			return handler, params, true
		}
	}
	return nil, nil, false
}

// matchPath does simple pattern matching for routes
func matchPath(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i := range len(patternParts) {
		if name, ok := strings.CutPrefix(patternParts[i], ":"); ok {
			if pathParts[i] == "" {
				return nil, false
			}
			params[name] = pathParts[i]
			continue
		}
		if patternParts[i] != pathParts[i] {
			return nil, false
		}
	}
	return params, true
}

// ConvertHttpRequestToConsensusRequest converts an http.Request to Request
func ConvertHttpRequestToConsensusRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = compactJSON(strings.TrimSpace(string(bodyBytes)))
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      query,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
		ctx:        r.Context(),
	}, nil
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, params, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return errorResponse(http.StatusNotFound, string(trace.CodeNotFound), "Service not found", req.Method+" "+req.Path), nil
	}
	req.Params = params
	return handler(req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}

// ErrorBody is the JSON error envelope shared by both node kinds
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable"`
}

func errorResponse(status int, code, message, detail string) *Response {
	body, _ := json.Marshal(ErrorBody{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Detail:    detail,
		Retryable: status == http.StatusServiceUnavailable,
	}})
	headers := defaultHeaders
	if status == http.StatusServiceUnavailable {
		headers = map[string]string{"Content-Type": "application/json", "Retry-After": "1"}
	}
	return &Response{StatusCode: status, Headers: headers, Body: string(body)}
}

func jsonResponse(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "SERIALIZATION_ERROR", "Failed to serialize response", err.Error()), err
	}
	return &Response{StatusCode: status, Headers: defaultHeaders, Body: string(body)}, nil
}

// repositoryErrorResponse maps a repository failure to its HTTP status.
// Consensus trouble is reported as 503 so trace nodes retry it.
func repositoryErrorResponse(repoErr *repository.RepositoryError) *Response {
	status := http.StatusInternalServerError
	switch repoErr.Code {
	case repository.ErrCodeValidation:
		status = http.StatusBadRequest
	case repository.ErrCodeNotFound:
		status = http.StatusNotFound
	case repository.ErrCodeConflict:
		status = http.StatusConflict
	case repository.ErrCodeConsensus, repository.ErrCodeConsensusTimeout, repository.ErrCodeDatabase:
		status = http.StatusServiceUnavailable
	}
	return errorResponse(status, repoErr.Code, repoErr.Message, repoErr.Detail)
}
