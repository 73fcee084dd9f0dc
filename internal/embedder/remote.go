package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"memora/internal/merrors"
)

// RemoteConfig configures the HTTP embedding provider (§4.4a):
// POST /embed {texts, dim} -> {vectors}, with bearer auth and a timeout.
type RemoteConfig struct {
	BaseURL string
	Path    string // default "/embed"
	APIKey  string
	Model   string
	Timeout time.Duration
	Dim     int

	// Pipeline is carried from configuration but is not read: setting it
	// does not change how this client embeds, and no store-side embedding
	// mode exists.
	Pipeline bool
}

type remoteReq struct {
	Texts []string `json:"texts"`
	Dim   int      `json:"dim"`
	Model string   `json:"model,omitempty"`
}

type remoteResp struct {
	Vectors [][]float32 `json:"vectors"`
}

// remoteEmbedder is the HTTP-backed Embedder. Grounded on the teacher's
// internal/embedding.EmbedText, reshaped to Memora's {texts,dim}->{vectors}
// wire contract.
type remoteEmbedder struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemote builds the remote HTTP embedder provider.
func NewRemote(cfg RemoteConfig, client *http.Client) Embedder {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Path == "" {
		cfg.Path = "/embed"
	}
	return &remoteEmbedder{cfg: cfg, client: client}
}

func (r *remoteEmbedder) Name() string   { return "remote:" + r.cfg.Model }
func (r *remoteEmbedder) Dimension() int { return r.cfg.Dim }

func (r *remoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(remoteReq{Texts: texts, Dim: r.cfg.Dim, Model: r.cfg.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, r.cfg.BaseURL+r.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, merrors.Wrap(merrors.Downstream, "embedder request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, merrors.Wrap(merrors.Downstream, "read embedder response", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, merrors.New(merrors.Downstream, fmt.Sprintf("embedder error: %s: %s", resp.Status, string(raw)))
	}
	var out remoteResp
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, merrors.Wrap(merrors.Downstream, "parse embedder response", err)
	}
	if len(out.Vectors) != len(texts) {
		return nil, merrors.New(merrors.Downstream, fmt.Sprintf("embedder returned %d vectors for %d texts", len(out.Vectors), len(texts)))
	}
	if r.cfg.Dim > 0 {
		for _, v := range out.Vectors {
			if len(v) != r.cfg.Dim {
				return nil, merrors.New(merrors.VectorDimMismatch, fmt.Sprintf("embedder vector dimension %d != configured %d", len(v), r.cfg.Dim))
			}
		}
	}
	return out.Vectors, nil
}
