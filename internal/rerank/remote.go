package rerank

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

// remoteRequest mirrors the teacher's sefii.RerankRequest wire shape.
type remoteRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type remoteResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type remoteResponse struct {
	Model   string         `json:"model"`
	Results []remoteResult `json:"results"`
}

// Remote is the HTTP cross-encoder rerank provider, grounded on the
// teacher's internal/sefii.ReRankChunks.
type Remote struct {
	URL     string
	Model   string
	Client  *http.Client
	Timeout time.Duration
}

func (r Remote) Name() string { return "remote:" + r.Model }

func (r Remote) Score(ctx context.Context, query string, candidates []string) ([]float64, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(remoteRequest{Model: r.Model, Query: query, TopN: len(candidates), Documents: candidates})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, merrors.Wrap(merrors.Downstream, "rerank request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, merrors.Wrap(merrors.Downstream, "read rerank response", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, merrors.New(merrors.Downstream, fmt.Sprintf("rerank failed: %s: %s", resp.Status, string(raw)))
	}
	var out remoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, merrors.Wrap(merrors.Downstream, "parse rerank response", err)
	}
	scores := make([]float64, len(candidates))
	for _, r := range out.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
		}
	}
	return scores, nil
}
