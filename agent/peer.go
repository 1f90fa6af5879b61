package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bucketchain/content"
	"bucketchain/core/types"
)

// Peer talks to another provider's data plane. It is a content.Store, so
// clients upload through content.Put and replicas copy with content.Mirror.
type Peer struct {
	base string
	http *http.Client
}

var _ content.Store = (*Peer)(nil)

func NewPeer(base string) *Peer {
	return &Peer{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (p *Peer) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		p.http = hc
	}
}

func (p *Peer) URL() string { return p.base }

var codeErrors = func() map[string]error {
	out := make(map[string]error, len(errorCodes))
	for _, e := range errorCodes {
		out[e.code] = e.err
	}
	return out
}()

func (p *Peer) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s: %w", p.base, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDataBodyBytes))
	if err != nil {
		return fmt.Errorf("peer %s: read response: %w", p.base, err)
	}
	if resp.StatusCode >= 300 {
		var failure errorBody
		if json.Unmarshal(raw, &failure) == nil && failure.Error.Code != "" {
			if sentinel, ok := codeErrors[failure.Error.Code]; ok {
				return fmt.Errorf("%w: peer %s: %s", sentinel, p.base, failure.Error.Message)
			}
			return fmt.Errorf("peer %s: %s: %s", p.base, failure.Error.Code, failure.Error.Message)
		}
		return fmt.Errorf("peer %s: http %d", p.base, resp.StatusCode)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("peer %s: decode response: %w", p.base, err)
	}
	return nil
}

func (p *Peer) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	return p.do(ctx, method, path, body, "application/json", out)
}

func bucketPath(bucket uint64) string {
	return "/buckets/" + strconv.FormatUint(bucket, 10)
}

func (p *Peer) Exists(ctx context.Context, hashes []common.Hash) ([]bool, error) {
	var out ExistsResponse
	if err := p.doJSON(ctx, http.MethodPost, "/content/exists", ExistsRequest{Hashes: hashes}, &out); err != nil {
		return nil, err
	}
	if len(out.Exists) != len(hashes) {
		return nil, fmt.Errorf("peer %s: exists returned %d answers for %d hashes", p.base, len(out.Exists), len(hashes))
	}
	return out.Exists, nil
}

func (p *Peer) Upload(ctx context.Context, hash common.Hash, data []byte, children *[2]common.Hash) error {
	return p.doJSON(ctx, http.MethodPut, "/content/"+hash.Hex(), NodeBody{Data: data, Children: children}, nil)
}

func (p *Peer) Fetch(ctx context.Context, hash common.Hash) (content.Node, error) {
	var out NodeBody
	if err := p.doJSON(ctx, http.MethodGet, "/content/"+hash.Hex(), nil, &out); err != nil {
		return content.Node{}, err
	}
	return content.Node{Data: out.Data, Children: out.Children}, nil
}

func (p *Peer) Range(ctx context.Context, bucket uint64) (RangeInfo, error) {
	var out RangeInfo
	err := p.doJSON(ctx, http.MethodGet, bucketPath(bucket)+"/range", nil, &out)
	return out, err
}

// Ingest sends raw data for the provider to chunk and append.
func (p *Peer) Ingest(ctx context.Context, bucket uint64, data []byte) (*AppendResult, error) {
	var out AppendResult
	if err := p.do(ctx, http.MethodPost, bucketPath(bucket)+"/data", bytes.NewReader(data), "application/octet-stream", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendLeaf appends content previously uploaded with content.Put.
func (p *Peer) AppendLeaf(ctx context.Context, bucket uint64, dataRoot common.Hash, dataSize uint64) (*AppendResult, error) {
	var out AppendResult
	if err := p.doJSON(ctx, http.MethodPost, bucketPath(bucket)+"/leaves", AppendLeafRequest{DataRoot: dataRoot, DataSize: dataSize}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Peer) Leaves(ctx context.Context, bucket, from, to uint64) (*LeafRange, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("to", strconv.FormatUint(to, 10))
	var out LeafRange
	if err := p.doJSON(ctx, http.MethodGet, bucketPath(bucket)+"/leaves?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Peer) ReadChunk(ctx context.Context, bucket, seq, index uint64) (*ChunkRead, error) {
	path := fmt.Sprintf("%s/leaves/%d/chunks/%d", bucketPath(bucket), seq, index)
	var out ChunkRead
	if err := p.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Peer) Commitment(ctx context.Context, bucket uint64) (*types.CommitmentPayload, error) {
	var out types.CommitmentPayload
	if err := p.doJSON(ctx, http.MethodGet, bucketPath(bucket)+"/commitment", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Peer) SignCheckpoint(ctx context.Context, bucket uint64, root common.Hash, startSeq, leafCount uint64) (types.ProviderSignaturePayload, error) {
	var out types.ProviderSignaturePayload
	req := SignRequest{Root: root, StartSeq: startSeq, LeafCount: leafCount}
	err := p.doJSON(ctx, http.MethodPost, bucketPath(bucket)+"/checkpoint-signatures", req, &out)
	return out, err
}

func (p *Peer) Restart(ctx context.Context, bucket uint64, del types.DeletedPayload) error {
	return p.doJSON(ctx, http.MethodPost, bucketPath(bucket)+"/restart", del, nil)
}
