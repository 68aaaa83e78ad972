package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/onnwee/recall/internal/engine"
	"github.com/onnwee/recall/internal/middleware"
)

// Stream message types.
const (
	StreamTypeRanking = "ranking"
	StreamTypeError   = "error"
)

const streamWriteTimeout = 10 * time.Second

// RankMessage is sent by the client for every keystroke or query change.
type RankMessage struct {
	Q             string `json:"q"`
	CurrentPageID string `json:"current_page_id,omitempty"`
	Explain       bool   `json:"explain,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// StreamMessage is sent by the server.
type StreamMessage struct {
	Type    string        `json:"type"`
	Q       string        `json:"q"`
	Ranking *RankResponse `json:"ranking,omitempty"`
	Error   *ErrorDetail  `json:"error,omitempty"`
}

// RankStreamHandlers serves type-ahead ranking over a WebSocket. Each new
// query cancels the one still in flight and stale rankings are never sent.
type RankStreamHandlers struct {
	engine   Ranker
	metrics  *middleware.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// RankStreamConfig configures RankStreamHandlers.
type RankStreamConfig struct {
	Engine Ranker
	// AllowedOrigins may connect in addition to same-origin pages, e.g. the
	// browser extension origin.
	AllowedOrigins []string
	Metrics        *middleware.Metrics
	Logger         *slog.Logger
}

// NewRankStreamHandlers creates the WebSocket handler.
func NewRankStreamHandlers(cfg RankStreamConfig) *RankStreamHandlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := slices.Clone(cfg.AllowedOrigins)
	return &RankStreamHandlers{
		engine:  cfg.Engine,
		metrics: cfg.Metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: streamWriteTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, allowed)
			},
		},
	}
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// streamConn serializes writes to one connection.
type streamConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamConn) send(msg StreamMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// ServeHTTP handles GET /rank/ws.
func (h *RankStreamHandlers) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}
	h.metrics.WebSocketOpened()

	requestID := middleware.GetRequestID(ctx)
	h.logger.InfoContext(ctx, "rank stream opened", "request_id", requestID)

	sc := &streamConn{conn: conn}
	connCtx, cancelConn := context.WithCancel(ctx)
	var (
		wg         sync.WaitGroup
		cancelPrev context.CancelFunc = func() {}
	)

	defer func() {
		cancelPrev()
		cancelConn()
		wg.Wait()
		conn.Close()
		h.metrics.WebSocketClosed()
		h.logger.InfoContext(ctx, "rank stream closed", "request_id", requestID)
	}()

	for {
		var msg RankMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "rank stream closed unexpectedly", "error", err)
			}
			return
		}

		limit, problem := validateRankMessage(msg)
		if problem != "" {
			if err := sc.send(StreamMessage{
				Type:  StreamTypeError,
				Q:     msg.Q,
				Error: &ErrorDetail{Code: ErrCodeValidation, Message: problem},
			}); err != nil {
				return
			}
			continue
		}

		cancelPrev()
		queryCtx, cancel := context.WithCancel(connCtx)
		cancelPrev = cancel

		wg.Add(1)
		go func() {
			defer wg.Done()
			h.rankAndSend(queryCtx, sc, msg, limit)
		}()
	}
}

func (h *RankStreamHandlers) rankAndSend(ctx context.Context, sc *streamConn, msg RankMessage, limit int) {
	ranking := h.engine.Rank(ctx, engine.Query{
		Text:          msg.Q,
		CurrentPageID: strings.TrimSpace(msg.CurrentPageID),
		Explain:       msg.Explain,
	})
	if ranking.Stale || ctx.Err() != nil {
		return
	}

	resp := toRankResponse(msg.Q, ranking, limit)
	if err := sc.send(StreamMessage{Type: StreamTypeRanking, Q: msg.Q, Ranking: &resp}); err != nil {
		h.logger.DebugContext(ctx, "failed to write ranking", "error", err)
	}
}

func validateRankMessage(msg RankMessage) (int, string) {
	if utf8.RuneCountInString(msg.Q) > MaxQueryLength {
		return 0, "Query is too long"
	}
	switch {
	case msg.Limit == 0:
		return DefaultRankLimit, ""
	case msg.Limit < 0 || msg.Limit > MaxRankLimit:
		return 0, errInvalidLimit.Error()
	default:
		return msg.Limit, ""
	}
}
