package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/search"
	"github.com/trimodal-rag/backend/pkg/logger"
)

// transitionBuffer bounds the state updates queued for a slow client.
const transitionBuffer = 32

type wsRequest struct {
	Type string `json:"type"`
	SearchRequest
}

type wsMessage struct {
	Type       string             `json:"type"`
	Transition *search.Transition `json:"transition,omitempty"`
	Result     any                `json:"result,omitempty"`
	Error      *ErrorResponse     `json:"error,omitempty"`
}

// WebSocketHandler streams the state transitions of searches submitted
// over a websocket, followed by the result.
type WebSocketHandler struct {
	searcher Searcher
}

func NewWebSocketHandler(searcher Searcher) *WebSocketHandler {
	return &WebSocketHandler{searcher: searcher}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")
	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var req wsRequest
		if err := c.ReadJSON(&req); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			return
		}
		if req.Type != "search" {
			h.sendError(c, apperrors.InvalidInput("unsupported message type %q", req.Type))
			continue
		}
		if err := validate.Struct(req.SearchRequest); err != nil {
			h.sendError(c, apperrors.InvalidInput("%v", err))
			continue
		}
		if err := h.stream(c, req.SearchRequest); err != nil {
			logger.Warn("Failed to stream search", zap.Error(err))
			return
		}
	}
}

// stream runs one search. Transitions are queued to a writer goroutine so
// the orchestrator never waits on the socket; when the queue is full the
// transition is dropped.
func (h *WebSocketHandler) stream(c *websocket.Conn, req SearchRequest) error {
	updates := make(chan search.Transition, transitionBuffer)
	writeErr := make(chan error, 1)
	go func() {
		var err error
		for t := range updates {
			t := t
			if err == nil {
				err = c.WriteJSON(wsMessage{Type: "state", Transition: &t})
			}
		}
		writeErr <- err
	}()

	observe := func(t search.Transition) {
		select {
		case updates <- t:
		default:
		}
	}
	resp, err := h.searcher.Search(context.Background(), req.context(), observe)
	close(updates)
	if werr := <-writeErr; werr != nil {
		return werr
	}

	if err != nil {
		return h.sendError(c, err)
	}
	return c.WriteJSON(wsMessage{Type: "result", Result: resp})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, err error) error {
	return c.WriteJSON(wsMessage{
		Type: "error",
		Error: &ErrorResponse{
			ErrorKind: kindFor(err),
			Message:   err.Error(),
			Domain:    apperrors.DomainOf(err),
		},
	})
}
