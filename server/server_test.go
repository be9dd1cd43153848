package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/workflow"
)

type runnerFunc func(ctx context.Context, req retail.Request, sink retail.TokenFunc) (*workflow.Response, error)

func (f runnerFunc) Run(ctx context.Context, req retail.Request, sink retail.TokenFunc) (*workflow.Response, error) {
	return f(ctx, req, sink)
}

func echoRunner() runnerFunc {
	return func(ctx context.Context, req retail.Request, sink retail.TokenFunc) (*workflow.Response, error) {
		answer := "answer to " + req.Query
		for _, tok := range []string{"answer", " to ", req.Query} {
			if sink == nil {
				break
			}
			if err := sink(tok); err != nil {
				return nil, err
			}
		}
		return &workflow.Response{
			Intent: retail.IntentReport,
			Answer: answer,
			Report: &workflow.Report{Columns: []string{"gmv"}, Rows: []map[string]any{{"gmv": 1.5}}},
			Debug:  workflow.Debug{Timings: map[string]int64{"total": 3}},
		}, nil
	}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	New(echoRunner()).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestChat(t *testing.T) {
	h := New(echoRunner(), WithModel("deepseek-chat")).Handler()

	rec := post(t, h, "/api/chat", `{"query":"最近7天GMV"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "report", got["intent"])
	assert.Equal(t, "answer to 最近7天GMV", got["answer"])
	debug := got["debug"].(map[string]any)
	assert.Equal(t, "deepseek-chat", debug["model"])
	assert.NotNil(t, got["report"])
}

func TestChat_RejectsEmptyQuery(t *testing.T) {
	h := New(echoRunner()).Handler()
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/api/chat", `{"query":"  "}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/api/chat", `not json`).Code)
}

func readEvents(t *testing.T, r io.Reader) []event {
	t.Helper()
	var events []event
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var e event
		require.NoError(t, json.Unmarshal([]byte(data), &e))
		events = append(events, e)
	}
	return events
}

func TestChatStream(t *testing.T) {
	h := New(echoRunner(), WithModel("m")).Handler()

	rec := post(t, h, "/api/chat/stream", `{"query":"q"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := readEvents(t, rec.Body)
	require.Len(t, events, 5)
	assert.Equal(t, "start", events[0].Type)
	var text strings.Builder
	for _, e := range events[1:4] {
		assert.Equal(t, "token", e.Type)
		text.WriteString(e.Content)
	}
	assert.Equal(t, "answer to q", text.String())
	assert.Equal(t, "done", events[4].Type)
	require.NotNil(t, events[4].Result)
	assert.Equal(t, "answer to q", events[4].Result.Answer)
	assert.Equal(t, "m", events[4].Result.Debug.Model)
}

func TestChatStream_Error(t *testing.T) {
	failing := runnerFunc(func(context.Context, retail.Request, retail.TokenFunc) (*workflow.Response, error) {
		return nil, io.ErrUnexpectedEOF
	})

	rec := post(t, New(failing).Handler(), "/api/chat/stream", `{"query":"q"}`)
	events := readEvents(t, rec.Body)
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[1].Type)
	assert.Equal(t, "request failed", events[1].Message)
}

func TestChatStream_DisconnectCancelsWorkflow(t *testing.T) {
	cancelled := make(chan error, 1)
	blocking := runnerFunc(func(ctx context.Context, _ retail.Request, sink retail.TokenFunc) (*workflow.Response, error) {
		if err := sink("first"); err != nil {
			return nil, err
		}
		<-ctx.Done()
		cancelled <- ctx.Err()
		return nil, ctx.Err()
	})
	srv := httptest.NewServer(New(blocking).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat/stream", strings.NewReader(`{"query":"q"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, `"token"`) {
			break
		}
	}
	cancel()

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow was not cancelled after the client disconnected")
	}
}

func TestExecute(t *testing.T) {
	var seen retail.Request
	runner := runnerFunc(func(_ context.Context, req retail.Request, _ retail.TokenFunc) (*workflow.Response, error) {
		seen = req
		id := int64(7)
		return &workflow.Response{
			Intent:    retail.IntentExecute,
			Answer:    "done",
			Execution: &retail.ExecutionResult{IdempotencyKey: "k", CouponID: &id, PublishStatus: retail.PublishPublished},
			Debug:     workflow.Debug{Timings: map[string]int64{}},
		}, nil
	})

	rec := post(t, New(runner).Handler(), "/api/execute", `{"plan":{"goal":"提升复购","budget":30000}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, seen.Plan)
	assert.Equal(t, 30000.0, seen.Plan.Budget)
	assert.Equal(t, executeQuery, seen.Query)

	var got executeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, retail.IntentExecute, got.Intent)
	require.NotNil(t, got.Execution)
	assert.Equal(t, int64(7), *got.Execution.CouponID)
}

func TestExecute_RequiresPlan(t *testing.T) {
	rec := post(t, New(echoRunner()).Handler(), "/api/execute", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := New(echoRunner()).Handler()
	post(t, h, "/api/chat", `{"query":"q"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `retail_ai_http_requests_total{endpoint="/api/chat",method="POST",status="2xx"}`)
}

func TestMount(t *testing.T) {
	h := New(echoRunner(), WithMount("/mock/crm", func(r *mux.Router) {
		r.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("pong")) })
	})).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mock/crm/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())
}

func TestCORS(t *testing.T) {
	h := New(echoRunner(), WithAllowedOrigins("http://localhost:5173")).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
