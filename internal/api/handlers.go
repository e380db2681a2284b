package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"schema-retriever/internal/analyzer"
	"schema-retriever/internal/apperrors"
	"schema-retriever/internal/graph"
	"schema-retriever/internal/pipeline"
	"schema-retriever/internal/renderer"
)

const maxBodyBytes = 1 << 20

// AskRequest 问答请求
type AskRequest struct {
	Question  string `json:"question"`
	SkipCache bool   `json:"skip_cache,omitempty"`
}

// SynonymsRequest 追加一组同义词
type SynonymsRequest struct {
	Terms []string `json:"terms"`
}

// VersionResponse 写操作之后的图谱版本
type VersionResponse struct {
	Version graph.Version `json:"version"`
	Added   int           `json:"added,omitempty"`
}

// GraphResponse 图谱概况
type GraphResponse struct {
	Version graph.Version  `json:"version"`
	Stats   map[string]int `json:"stats"`
}

// ErrorResponse 错误响应，Code 为稳定的错误类别
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if _, err := h.app.Store.Snapshot(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleAsk POST /api/ask
func (h *Handlers) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeBadRequest(w, err)
		return
	}

	var opts []pipeline.AskOption
	if req.SkipCache {
		opts = append(opts, pipeline.SkipCache())
	}
	resp, err := h.app.Service.Ask(r.Context(), req.Question, opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLink GET /api/link?q=...&format=json|ddl|markdown|mermaid
func (h *Handlers) handleLink(w http.ResponseWriter, r *http.Request) {
	question := r.URL.Query().Get("q")
	format := r.URL.Query().Get("format")

	var rd renderer.Renderer
	if format != "" && format != "json" {
		var err error
		if rd, err = renderer.ByFormat(format); err != nil {
			h.writeBadRequest(w, err)
			return
		}
	}

	l, err := h.app.Service.Link(r.Context(), question)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rd == nil {
		writeJSON(w, http.StatusOK, l)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, rd.Render(l.Schema))
}

// handleGraph GET /api/graph
func (h *Handlers) handleGraph(w http.ResponseWriter, _ *http.Request) {
	g, err := h.app.Store.Snapshot()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GraphResponse{Version: g.Version(), Stats: g.Stats()})
}

// handleExport GET /api/graph/export 导出当前快照，包括运行期追加的概念
func (h *Handlers) handleExport(w http.ResponseWriter, _ *http.Request) {
	g, err := h.app.Store.Snapshot()
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := g.Document().WriteJSON(w); err != nil {
		h.logger.Warn("export graph", zap.Error(err))
	}
}

// handleReload POST /api/graph/reload 重新读取图谱文件
func (h *Handlers) handleReload(w http.ResponseWriter, _ *http.Request) {
	v, err := h.app.Reload()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{Version: v})
}

// handleAddConcepts POST /api/concepts。
// JSON 正文为单个概念；YAML 正文与概念文件格式相同，可一次追加多个。
func (h *Handlers) handleAddConcepts(w http.ResponseWriter, r *http.Request) {
	specs, err := readConcepts(r)
	if err != nil {
		h.writeBadRequest(w, err)
		return
	}

	v, err := h.app.Store.AddConcepts(specs...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, VersionResponse{Version: v, Added: len(specs)})
}

func readConcepts(r *http.Request) ([]graph.ConceptSpec, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.Contains(mt, "yaml") {
		specs, err := analyzer.ParseConcepts(data)
		if err != nil {
			return nil, err
		}
		if len(specs) == 0 {
			return nil, errors.New("no concepts in body")
		}
		return specs, nil
	}

	var spec graph.ConceptSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if strings.TrimSpace(spec.Term) == "" {
		return nil, errors.New("term is required")
	}
	if len(spec.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	return []graph.ConceptSpec{spec}, nil
}

// handleAddSynonyms POST /api/synonyms
func (h *Handlers) handleAddSynonyms(w http.ResponseWriter, r *http.Request) {
	var req SynonymsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeBadRequest(w, err)
		return
	}
	v, err := h.app.Store.AddSynonyms(req.Terms...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, VersionResponse{Version: v, Added: 1})
}

// handleCacheStats GET /api/cache
func (h *Handlers) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	c := h.app.Service.Cache()
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "stats": c.Stats()})
}

// handlePurgeCache DELETE /api/cache
func (h *Handlers) handlePurgeCache(w http.ResponseWriter, _ *http.Request) {
	if c := h.app.Service.Cache(); c != nil {
		c.Purge()
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

// classify 错误类别到 HTTP 状态码
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrEmptyQuestion):
		return http.StatusBadRequest, "empty_question"
	case errors.Is(err, apperrors.ErrInvalidGraph):
		return http.StatusBadRequest, "invalid_graph"
	case errors.Is(err, apperrors.ErrNoEntityMatched):
		return http.StatusUnprocessableEntity, "no_entity_matched"
	case errors.Is(err, apperrors.ErrSchemaEmpty):
		return http.StatusUnprocessableEntity, "schema_empty"
	case errors.Is(err, apperrors.ErrGraphUnavailable):
		return http.StatusServiceUnavailable, "graph_unavailable"
	case errors.Is(err, apperrors.ErrGenerationTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "generation_timeout"
	case errors.Is(err, apperrors.ErrGenerationFailed):
		return http.StatusBadGateway, "generation_failed"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
