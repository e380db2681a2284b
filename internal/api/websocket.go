package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"schema-retriever/internal/pipeline"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
)

// 推送的消息类型
const (
	MessageSession = "session"
	MessageEvent   = "event"
	MessageResult  = "result"
	MessageError   = "error"
)

// StreamRequest 客户端发来的一次提问。Mode 为 link 时只做链接不生成
type StreamRequest struct {
	ID        string `json:"id,omitempty"`
	Question  string `json:"question"`
	Mode      string `json:"mode,omitempty"`
	SkipCache bool   `json:"skip_cache,omitempty"`
}

// StreamMessage 服务端推送
type StreamMessage struct {
	Type      string          `json:"type"`
	Session   string          `json:"session"`
	RequestID string          `json:"request_id,omitempty"`
	Event     *pipeline.Event `json:"event,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     *ErrorResponse  `json:"error,omitempty"`
}

// wsSession 一条连接，写操作串行化
type wsSession struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(m StreamMessage) error {
	m.Session = s.id
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(m)
}

// handleWebSocket GET /api/ws。每条请求依次处理，阶段事件实时推送，最后推送结果或错误
func (h *Handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	s := &wsSession{id: uuid.NewString(), conn: conn}
	logger := h.logger.With(zap.String("session", s.id))
	logger.Debug("websocket connected")
	if err := s.send(StreamMessage{Type: MessageSession}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var req StreamRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if err := h.stream(ctx, s, req); err != nil {
			logger.Debug("websocket write", zap.Error(err))
			return
		}
	}
}

func (h *Handlers) stream(ctx context.Context, s *wsSession, req StreamRequest) error {
	observe := pipeline.Observe(func(e pipeline.Event) {
		_ = s.send(StreamMessage{Type: MessageEvent, RequestID: req.ID, Event: &e})
	})

	var (
		result any
		err    error
	)
	switch req.Mode {
	case "link":
		result, err = h.app.Service.Link(ctx, req.Question, observe)
	case "", "ask":
		opts := []pipeline.AskOption{observe}
		if req.SkipCache {
			opts = append(opts, pipeline.SkipCache())
		}
		result, err = h.app.Service.Ask(ctx, req.Question, opts...)
	default:
		return s.send(StreamMessage{Type: MessageError, RequestID: req.ID,
			Error: &ErrorResponse{Error: "unknown mode " + req.Mode, Code: "bad_request"}})
	}

	if err != nil {
		_, code := classify(err)
		return s.send(StreamMessage{Type: MessageError, RequestID: req.ID,
			Error: &ErrorResponse{Error: err.Error(), Code: code}})
	}
	return s.send(StreamMessage{Type: MessageResult, RequestID: req.ID, Result: result})
}
