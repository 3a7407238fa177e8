package ranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prio-governor/internal/config"
	"prio-governor/internal/telemetry"
)

func TestNoop(t *testing.T) {
	var r Ranker = Noop{}
	got, err := r.Rank(context.Background(), []telemetry.AppGroupEntity{{ID: "g1"}})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "none", New(config.RankerConfig{Kind: "none"}).Name())
}

func TestHTTPRank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req rankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var resp rankResponse
		for _, g := range req.Groups {
			resp.Rankings = append(resp.Rankings, Ranking{ID: g.ID, Score: 0.9, Confidence: 0.8})
		}
		resp.Rankings = append(resp.Rankings, Ranking{Score: 1})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := New(config.RankerConfig{Kind: "http", URL: srv.URL, Timeout: time.Second})
	got, err := r.Rank(context.Background(), []telemetry.AppGroupEntity{{ID: "g1"}, {ID: "g2"}})
	require.NoError(t, err)
	assert.Len(t, got, 2, "entries without id are dropped")
	assert.Equal(t, 0.8, got["g2"].Confidence)
}

func TestHTTPRankErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := NewHTTP(srv.URL, time.Second).Rank(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewHTTP(slow.URL, 0).Rank(ctx, nil)
	require.Error(t, err)
}
