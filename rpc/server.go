package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bucketchain/core"
	"bucketchain/core/state"
	"bucketchain/core/types"
	"bucketchain/indexer"
	"bucketchain/native/storage"
	"bucketchain/observability"
)

const (
	defaultMaxBodyBytes = 1 << 20
	maxAdvanceBlocks    = 1000
	requestIDHeader     = "X-Request-ID"
)

type ctxKey string

const requestIDKey ctxKey = "rpc.requestID"

// ServerConfig tunes the JSON-RPC listener.
type ServerConfig struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	// JWTSecret signs the HS256 bearer tokens that unlock dev_* methods.
	JWTSecret       string
	AllowDevMethods bool
}

// EventQuery serves storage_events. The SQL indexer implements it.
type EventQuery interface {
	Query(ctx context.Context, f indexer.Filter) ([]indexer.EventRecord, error)
}

type methodFunc func(ctx context.Context, params []json.RawMessage) (interface{}, error)

type method struct {
	module string
	dev    bool
	fn     methodFunc
}

// Server exposes the ledger over JSON-RPC 2.0 and streams committed events
// over a websocket.
type Server struct {
	ledger  *core.Ledger
	cfg     ServerConfig
	logger  *slog.Logger
	limiter *rateLimiter
	auth    *devAuth
	hub     *Hub
	events  EventQuery
	methods map[string]method
}

func NewServer(ledger *core.Ledger, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		ledger:  ledger,
		cfg:     cfg,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		auth:    newDevAuth(cfg.JWTSecret),
		hub:     NewHub(defaultSubscriberBuffer, logger),
	}
	s.methods = s.registerMethods()
	return s
}

// Hub returns the websocket event hub. Attach it to the ledger's emitter to
// stream committed events.
func (s *Server) Hub() *Hub { return s.hub }

// SetEventQuery enables storage_events.
func (s *Server) SetEventQuery(q EventQuery) { s.events = q }

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.hub.ServeHTTP)
	r.With(s.limiter.Middleware).Post("/rpc", s.handleRPC)
	return otelhttp.NewHandler(r, "bucketd.rpc")
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("rpc handler panic",
					slog.String("request_id", requestIDFrom(r.Context())),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, nil, codeServerError, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, id, codeServerError, "failed to encode result", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: raw})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}
	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	m, ok := s.methods[req.Method]
	if !ok || (m.dev && !s.cfg.AllowDevMethods) {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	if m.dev {
		if authErr := s.auth.verify(r); authErr != nil {
			observability.ModuleMetrics().Observe(m.module, req.Method, authErr.Code, time.Since(start))
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
	}

	result, err := m.fn(r.Context(), req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		observability.ModuleMetrics().Observe(m.module, req.Method, rpcErr.Code, time.Since(start))
		s.logger.Debug("rpc call failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("method", req.Method),
			slog.Int("code", rpcErr.Code),
			slog.Any("error", err))
		writeError(w, statusFor(rpcErr.Code), req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	observability.ModuleMetrics().Observe(m.module, req.Method, 0, time.Since(start))
	writeResult(w, req.ID, result)
}

func statusFor(code int) int {
	switch code {
	case codeParseError, codeInvalidRequest, codeInvalidParams:
		return http.StatusBadRequest
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeMethodNotFound:
		return http.StatusNotFound
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

var notFoundErrors = []error{
	storage.ErrProviderNotFound,
	storage.ErrBucketNotFound,
	storage.ErrAgreementNotFound,
	storage.ErrRequestNotFound,
	storage.ErrChallengeNotFound,
	storage.ErrMemberNotFound,
}

var invalidParamErrors = []error{
	core.ErrInvalidPayload,
	core.ErrUnknownTxType,
	core.ErrInvalidAmount,
	types.ErrSenderMismatch,
	storage.ErrInvalidArgument,
}

// toRPCError maps ledger errors onto JSON-RPC codes: malformed input is
// -32602, a missing object -32004 and any rule the ledger enforced -32003.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	for _, target := range invalidParamErrors {
		if errors.Is(err, target) {
			return &RPCError{Code: codeInvalidParams, Message: err.Error()}
		}
	}
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return &RPCError{Code: codeNotFound, Message: err.Error()}
		}
	}
	if errors.Is(err, core.ErrLedgerClosed) || errors.Is(err, state.ErrStateVersionMismatch) {
		return &RPCError{Code: codeServerError, Message: err.Error()}
	}
	return &RPCError{Code: codeRejected, Message: err.Error()}
}

// decodeParams reads the single parameter object of a call. Unknown fields
// are rejected.
func decodeParams(params []json.RawMessage, out interface{}) error {
	if len(params) != 1 {
		return invalidParams("exactly one parameter object required", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidParams("invalid parameter object", err)
	}
	return nil
}
