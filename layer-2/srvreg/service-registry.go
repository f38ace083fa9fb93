package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-2/identity"
	"github.com/ahmadzakiakmal/foodtrace/trace"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Request represents an incoming HTTP request
type Request struct {
	Method    string
	Path      string
	Query     map[string]string
	Params    map[string]string
	Headers   map[string]string
	Body      string
	RequestID string

	ctx context.Context
}

// Context returns the context of the originating HTTP request.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// HandlerFunc is a function that handles a request
type HandlerFunc func(*Request) (*Response, error)

// NodeInfo describes the trace node for /info
type NodeInfo struct {
	NodeID string `json:"node_id"`
	Store  string `json:"store"`
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	mu        sync.RWMutex
	handlers  map[string]map[string]HandlerFunc
	tracer    *trace.Tracer
	directory *identity.Directory
	info      NodeInfo
	logger    cmtlog.Logger
	startTime time.Time
	clock     func() time.Time
}

var defaultHeaders = map[string]string{
	"Content-Type": "application/json",
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(tracer *trace.Tracer, directory *identity.Directory, info NodeInfo, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:  make(map[string]map[string]HandlerFunc),
		tracer:    tracer,
		directory: directory,
		info:      info,
		logger:    logger.With("module", "srvreg"),
		startTime: time.Now(),
		clock:     time.Now,
	}
}

// RegisterHandler registers a handler for a specific method and path
func (sr *ServiceRegistry) RegisterHandler(method, path string, handler HandlerFunc) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.handlers[method] == nil {
		sr.handlers[method] = make(map[string]HandlerFunc)
	}
	sr.handlers[method][path] = handler
	sr.logger.Debug("Registered handler", "method", method, "path", path)
}

// GetHandlerForPath finds the handler for a given method and path and
// extracts its ":name" parameters
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (HandlerFunc, map[string]string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	methodHandlers, exists := sr.handlers[method]
	if !exists {
		return nil, nil, false
	}
	if handler, exists := methodHandlers[path]; exists {
		return handler, nil, true
	}
	for pattern, handler := range methodHandlers {
		if params, ok := matchPath(pattern, path); ok {
			return handler, params, true
		}
	}
	return nil, nil, false
}

// matchPath checks if a path matches a pattern such as "/batches/:id/split"
func matchPath(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i := range patternParts {
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

// ConvertHttpRequest converts an http.Request to Request
func ConvertHttpRequest(r *http.Request, requestID string) (*Request, error) {
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
		body = compactJSON(string(bodyBytes))
	}

	return &Request{
		Method:    r.Method,
		Path:      strings.TrimSuffix(r.URL.Path, "/"),
		Query:     query,
		Headers:   headers,
		Body:      body,
		RequestID: requestID,
		ctx:       r.Context(),
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

// compactJSON removes whitespace from JSON
func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}

// ErrorBody is the JSON error envelope
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

// statusFor maps the trace error taxonomy onto HTTP.
var statusFor = map[trace.Code]int{
	trace.CodeValidation:    http.StatusBadRequest,
	trace.CodeNotFound:      http.StatusNotFound,
	trace.CodeAuthorization: http.StatusForbidden,
	trace.CodeConflict:      http.StatusConflict,
	trace.CodeProtocol:      http.StatusBadGateway,
	trace.CodeConnectivity:  http.StatusServiceUnavailable,
}

func (sr *ServiceRegistry) traceErrorResponse(req *Request, err error) *Response {
	var te *trace.Error
	if !errors.As(err, &te) {
		sr.logger.Error("Unexpected error", "request_id", req.RequestID, "path", req.Path, "err", err)
		return errorResponse(http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", "")
	}
	status, ok := statusFor[te.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		sr.logger.Error("Request failed", "request_id", req.RequestID, "path", req.Path, "code", te.Code, "err", err)
	}
	return errorResponse(status, string(te.Code), te.Message, te.Detail)
}
