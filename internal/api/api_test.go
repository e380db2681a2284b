package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schema-retriever/internal/ai"
	"schema-retriever/internal/app"
	"schema-retriever/internal/config"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/graph/graphtest"
	"schema-retriever/internal/pipeline"
)

const question = "How many orders per customers?"

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, *ai.Request) (*ai.Result, error) {
	return &ai.Result{SQL: "SELECT 1", Model: "stub"}, nil
}

func newTestServer(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "graph.json")
	require.NoError(t, graph.WriteDocument(graphPath, graphtest.RetailDocument()))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("graph:\n  path: "+graphPath+
		"\nlinking:\n  fuzzy_threshold: 0.85\npruning:\n  hop_decay: 0.8\n"), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	a, err := app.New(cfg, zap.NewNop(), app.WithGenerator(stubGenerator{}))
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(a, zap.NewNop(), 5*time.Second))
	t.Cleanup(srv.Close)
	return a, srv
}

func do(t *testing.T, method, url, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func TestAsk(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/ask", "application/json", `{"question":"`+question+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out pipeline.Response
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "SELECT 1", out.Answer.SQL)
	assert.False(t, out.FromCache)

	_, body = do(t, http.MethodPost, srv.URL+"/api/ask", "application/json", `{"question":"`+question+`"}`)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.FromCache)
}

func TestAsk_Errors(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty question", `{"question":"  "}`, http.StatusBadRequest, "empty_question"},
		{"malformed", `{"question":`, http.StatusBadRequest, "bad_request"},
		{"unknown field", `{"q":"x"}`, http.StatusBadRequest, "bad_request"},
		{"no entity", `{"question":"zzzz qqqq"}`, http.StatusUnprocessableEntity, "no_entity_matched"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/api/ask", "application/json", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestLink_Formats(t *testing.T) {
	_, srv := newTestServer(t)
	q := "/api/link?q=" + strings.ReplaceAll(question, " ", "+")

	resp, body := do(t, http.MethodGet, srv.URL+q, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var l pipeline.Linking
	require.NoError(t, json.Unmarshal(body, &l))
	assert.NotEmpty(t, l.Matches)
	assert.Contains(t, l.Schema.TableNames(), "orders")

	resp, body = do(t, http.MethodGet, srv.URL+q+"&format=ddl", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "CREATE TABLE")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	resp, body = do(t, http.MethodGet, srv.URL+q+"&format=mermaid", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "erDiagram")

	resp, _ = do(t, http.MethodGet, srv.URL+q+"&format=html", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConceptsAndSynonyms(t *testing.T) {
	a, srv := newTestServer(t)
	before := a.Store.Version()

	resp, body := do(t, http.MethodPost, srv.URL+"/api/concepts", "application/json",
		`{"term":"会员客户","targets":[{"table":"customers","column":"vip_level"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var v VersionResponse
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, before.Generation, v.Version.Generation)
	assert.Equal(t, before.Revision+1, v.Version.Revision)

	yamlBody := "concepts:\n  - term: 大单\n    targets: [orders.total_amount]\n  - term: 热销商品\n    targets: [products.product_name]\n"
	resp, body = do(t, http.MethodPost, srv.URL+"/api/concepts", "application/yaml", yamlBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, 2, v.Added)
	assert.Equal(t, before.Revision+2, v.Version.Revision)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/concepts", "application/json",
		`{"term":"坏概念","targets":[{"table":"customers","column":"nope"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "invalid_graph")

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/concepts", "application/json", `{"term":"无目标"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/synonyms", "application/json", `{"terms":["顾客","customers"]}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	g, err := a.Store.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, g.SynonymClass("顾客"), "customers")

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/synonyms", "application/json", `{"terms":["孤词"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConcepts_BatchIsAtomic(t *testing.T) {
	a, srv := newTestServer(t)
	before := a.Store.Version()
	g, err := a.Store.Snapshot()
	require.NoError(t, err)
	concepts := g.Stats()["concepts"]

	yamlBody := "concepts:\n  - term: 大单\n    targets: [orders.total_amount]\n  - term: 坏概念\n    targets: [no_such_table.col]\n"
	resp, body := do(t, http.MethodPost, srv.URL+"/api/concepts", "application/yaml", yamlBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "invalid_graph")

	assert.Equal(t, before, a.Store.Version())
	g, err = a.Store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, concepts, g.Stats()["concepts"])
	assert.Empty(t, g.NodesByExactName(graph.KindConcept, "大单"))
}

func TestGraphAndReload(t *testing.T) {
	a, srv := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/graph", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var gr GraphResponse
	require.NoError(t, json.Unmarshal(body, &gr))
	assert.Equal(t, 7, gr.Stats["tables"])

	_, body = do(t, http.MethodGet, srv.URL+"/api/graph/export", "", "")
	var doc graph.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Len(t, doc.Tables, 7)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/graph/reload", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v VersionResponse
	require.NoError(t, json.Unmarshal(body, &v))
	assert.True(t, gr.Version.Less(v.Version))
	assert.Equal(t, v.Version, a.Store.Version())
}

func TestCacheEndpoints(t *testing.T) {
	_, srv := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/api/ask", "application/json", `{"question":"`+question+`"}`)

	_, body := do(t, http.MethodGet, srv.URL+"/api/cache", "", "")
	assert.Contains(t, string(body), `"size":1`)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/api/cache", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = do(t, http.MethodGet, srv.URL+"/api/cache", "", "")
	assert.Contains(t, string(body), `"size":0`)
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/api/ask", "application/json", `{"question":"`+question+`"}`)

	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "schema_retriever_pipeline_requests_total")
	assert.Contains(t, string(body), "schema_retriever_cache_hits_total")
}

func TestWebSocket_StreamsEvents(t *testing.T) {
	_, srv := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello StreamMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, MessageSession, hello.Type)
	assert.NotEmpty(t, hello.Session)

	require.NoError(t, conn.WriteJSON(StreamRequest{ID: "q1", Question: question}))
	stages := readUntilDone(t, conn, hello.Session)
	assert.Contains(t, stages, pipeline.StageMatch)
	assert.Contains(t, stages, pipeline.StageGenerate)

	require.NoError(t, conn.WriteJSON(StreamRequest{ID: "q2", Question: question, Mode: "link"}))
	stages = readUntilDone(t, conn, hello.Session)
	assert.Contains(t, stages, pipeline.StagePrune)
	assert.NotContains(t, stages, pipeline.StageGenerate)

	require.NoError(t, conn.WriteJSON(StreamRequest{ID: "q3", Question: " "}))
	var m StreamMessage
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, MessageError, m.Type)
	assert.Equal(t, "empty_question", m.Error.Code)
}

// readUntilDone 读到结果消息为止，返回途中收到的阶段
func readUntilDone(t *testing.T, conn *websocket.Conn, session string) []pipeline.Stage {
	t.Helper()
	var stages []pipeline.Stage
	for {
		var m StreamMessage
		require.NoError(t, conn.ReadJSON(&m))
		assert.Equal(t, session, m.Session)
		switch m.Type {
		case MessageEvent:
			stages = append(stages, m.Event.Stage)
		case MessageResult:
			return stages
		default:
			t.Fatalf("unexpected message %+v", m)
		}
	}
}
