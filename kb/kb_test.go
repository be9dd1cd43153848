package kb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

func TestStatic_RanksByOverlap(t *testing.T) {
	s := NewStatic()

	got, err := s.RetrieveTopK(context.Background(), "最近7天复购率下降了，是什么原因？", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 3)
	assert.Equal(t, "复购率下降常见原因", got[0].Title)
	assert.Equal(t, []string{"diagnosis"}, got[0].Tags)
}

func TestStatic_CampaignQuery(t *testing.T) {
	got, err := NewStatic().RetrieveTopK(context.Background(), "做一个满减券活动，控制预算", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	titles := []string{got[0].Title, got[1].Title}
	assert.Contains(t, titles, "满减券玩法")
}

func TestStatic_NoOverlap(t *testing.T) {
	got, err := NewStatic().RetrieveTopK(context.Background(), "??", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStatic_CustomDocs(t *testing.T) {
	s := NewStatic(Doc{ID: "x", Title: "Payment success rate", Content: "paid orders over attempts"})

	got, err := s.RetrieveTopK(context.Background(), "why did payment drop", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Payment success rate", got[0].Title)
}

func TestStatic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStatic().RetrieveTopK(ctx, "复购", 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTermSet(t *testing.T) {
	terms := termSet("GMV口径 a 复")
	for _, want := range []string{"gmv", "口径", "复"} {
		assert.Contains(t, terms, want)
	}
	assert.NotContains(t, terms, "a")
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "复购", req.Query)
		assert.Equal(t, 1, req.TopK)
		json.NewEncoder(w).Encode(queryResponse{Results: []retail.Snippet{
			{Title: "a", Content: "x"}, {Title: "b", Content: "y"},
		}})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, nil).RetrieveTopK(context.Background(), "复购", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Title)
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index missing", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).RetrieveTopK(context.Background(), "q", 5)
	assert.ErrorIs(t, err, retail.ErrDownstreamCall)
}
