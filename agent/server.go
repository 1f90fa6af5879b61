package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bucketchain/content"
	"bucketchain/core/types"
)

const (
	maxJSONBodyBytes = 1 << 20
	// maxDataBodyBytes bounds a single ingested object.
	maxDataBodyBytes = 64 << 20
)

// Error codes carried by data plane failures. The peer client maps them back
// onto the package sentinels.
const (
	codeBadRequest      = "bad_request"
	codeNotFound        = "not_found"
	codeHashMismatch    = "hash_mismatch"
	codeMissingChildren = "missing_children"
	codeOutOfRange      = "out_of_range"
	codeUnknownRoot     = "unknown_root"
	codeContentMissing  = "content_missing"
	codeBadRestart      = "bad_restart"
	codeInternal        = "internal"
)

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{content.ErrNotFound, codeNotFound, http.StatusNotFound},
	{content.ErrHashMismatch, codeHashMismatch, http.StatusUnprocessableEntity},
	{content.ErrMissingChildren, codeMissingChildren, http.StatusUnprocessableEntity},
	{ErrOutOfRange, codeOutOfRange, http.StatusNotFound},
	{ErrUnknownRoot, codeUnknownRoot, http.StatusConflict},
	{ErrContentMissing, codeContentMissing, http.StatusUnprocessableEntity},
	{ErrBadRestart, codeBadRestart, http.StatusForbidden},
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExistsRequest and ExistsResponse carry a batched existence check.
type ExistsRequest struct {
	Hashes []common.Hash `json:"hashes"`
}

type ExistsResponse struct {
	Exists []bool `json:"exists"`
}

// NodeBody is the wire form of a content node.
type NodeBody struct {
	Data     hexutil.Bytes   `json:"data,omitempty"`
	Children *[2]common.Hash `json:"children,omitempty"`
}

type AppendLeafRequest struct {
	DataRoot common.Hash `json:"dataRoot"`
	DataSize uint64      `json:"dataSize"`
}

type SignRequest struct {
	Root      common.Hash `json:"root"`
	StartSeq  uint64      `json:"startSeq"`
	LeafCount uint64      `json:"leafCount"`
}

// Server is a provider's data plane: the content transport plus the range
// operations clients, collectors and replicas use.
type Server struct {
	provider *Provider
	logger   *slog.Logger
}

func NewServer(provider *Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{provider: provider, logger: logger}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/content", func(r chi.Router) {
		r.Post("/exists", s.handleExists)
		r.Put("/{hash}", s.handleUpload)
		r.Get("/{hash}", s.handleFetch)
	})
	r.Route("/buckets/{bucket}", func(r chi.Router) {
		r.Get("/range", s.handleRange)
		r.Post("/data", s.handleIngest)
		r.Post("/leaves", s.handleAppendLeaf)
		r.Get("/leaves", s.handleLeaves)
		r.Get("/leaves/{seq}/chunks/{index}", s.handleChunk)
		r.Get("/commitment", s.handleCommitment)
		r.Post("/checkpoint-signatures", s.handleSign)
		r.Post("/restart", s.handleRestart)
	})
	return otelhttp.NewHandler(r, "providerd.data")
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	var req ExistsRequest
	if !s.decode(w, r, &req) {
		return
	}
	exists, err := s.provider.Content().Exists(r.Context(), req.Hashes)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExistsResponse{Exists: exists})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.hashParam(w, r)
	if !ok {
		return
	}
	var body NodeBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.provider.Content().Upload(r.Context(), hash, body.Data, body.Children); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.hashParam(w, r)
	if !ok {
		return
	}
	node, err := s.provider.Content().Fetch(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeBody{Data: node.Data, Children: node.Children})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.uintParam(w, r, "bucket")
	if !ok {
		return
	}
	info, err := s.provider.Range(bucket)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.uintParam(w, r, "bucket")
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDataBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest, err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "empty body")
		return
	}
	res, err := s.provider.Ingest(r.Context(), bucket, data)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAppendLeaf(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.uintParam(w, r, "bucket")
	if !ok {
		return
	}
	var req AppendLeafRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.provider.AppendLeaf(r.Context(), bucket, req.DataRoot, req.DataSize)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLeaves(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.uintParam(w, r, "bucket")
	if !ok {
		return
	}
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid from")
		return
	}
	to, err := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid to")
		return
	}
	run, err := s.provider.Leaves(r.Context(), bucket, from, to)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.uintParam(w, r, "bucket")
	if !ok {
		return
	}
	seq, ok := s.uintParam(w, r, "seq")
	if !ok {
		return
	}
	index, ok := s.uintParam(w, r, "index")
	if !ok {
		return
	}
	read, err := s.provider.ReadChunk(r.Context(), bucket, seq, index)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, read)
}

func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.uintParam(w, r, "bucket")
	if !ok {
		return
	}
	commitment, err := s.provider.Commitment(bucket)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitment)
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.uintParam(w, r, "bucket")
	if !ok {
		return
	}
	var req SignRequest
	if !s.decode(w, r, &req) {
		return
	}
	sig, err := s.provider.SignCheckpoint(r.Context(), bucket, req.Root, req.StartSeq, req.LeafCount)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	bucket, ok := s.uintParam(w, r, "bucket")
	if !ok {
		return
	}
	var del types.DeletedPayload
	if !s.decode(w, r, &del) {
		return
	}
	if err := s.provider.Restart(bucket, del); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

func (s *Server) hashParam(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := chi.URLParam(r, "hash")
	decoded, err := hexutil.Decode(raw)
	if err != nil || len(decoded) != common.HashLength {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid hash")
		return common.Hash{}, false
	}
	return common.BytesToHash(decoded), true
}

func (s *Server) uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			writeError(w, e.status, e.code, err.Error())
			return
		}
	}
	s.logger.Error("data plane request failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}
