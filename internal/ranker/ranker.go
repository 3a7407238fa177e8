// Package ranker defines the external ranking capability consulted in hybrid
// mode and its two implementations.
package ranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"prio-governor/internal/config"
	"prio-governor/internal/telemetry"
)

// Ranking is the model's opinion of one group. Score is expected in [0, 1];
// Confidence in [0, 1]. Class is advisory and only shown to operators.
type Ranking struct {
	ID         string  `json:"id"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class,omitempty"`
}

// Ranker scores app groups. Implementations must honour ctx; a missing
// entry in the result means "no opinion" for that group.
type Ranker interface {
	Name() string
	Rank(ctx context.Context, groups []telemetry.AppGroupEntity) (map[string]Ranking, error)
}

// Noop never has an opinion.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Rank(context.Context, []telemetry.AppGroupEntity) (map[string]Ranking, error) {
	return nil, nil
}

// HTTP posts the candidate groups as JSON and expects a list of rankings.
type HTTP struct {
	url    string
	client *http.Client
}

type rankRequest struct {
	Groups []telemetry.AppGroupEntity `json:"groups"`
}

type rankResponse struct {
	Rankings []Ranking `json:"rankings"`
}

func NewHTTP(url string, timeout time.Duration) *HTTP {
	return &HTTP{url: url, client: &http.Client{Timeout: timeout}}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Rank(ctx context.Context, groups []telemetry.AppGroupEntity) (map[string]Ranking, error) {
	body, err := json.Marshal(rankRequest{Groups: groups})
	if err != nil {
		return nil, fmt.Errorf("encode rank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rank request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ranker returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rank response: %w", err)
	}
	rankings := make(map[string]Ranking, len(out.Rankings))
	for _, r := range out.Rankings {
		if r.ID == "" {
			continue
		}
		rankings[r.ID] = r
	}
	return rankings, nil
}

// New builds the ranker selected by cfg.
func New(cfg config.RankerConfig) Ranker {
	switch cfg.Kind {
	case "http":
		return NewHTTP(cfg.URL, cfg.Timeout)
	default:
		return Noop{}
	}
}
