package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Phichayapa48/banana-ai-farm/models"
	"github.com/Phichayapa48/banana-ai-farm/normalize"
)

const wsWriteTimeout = 10 * time.Second

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// handleWebSocket treats every binary frame as one image and answers with
// the /predict body or an error envelope. Text frames are rejected.
func (s *AppState) handleWebSocket(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r.Context())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.Logger.Warn("websocket upgrade failed", zap.String("request_id", requestID), zap.Error(err))
			return
		}
		defer conn.Close()

		// frames a little over the ceiling still reach the size check and get a JSON error
		conn.SetReadLimit(s.MaxBytes*2 + multipartSlack)

		for seq := 1; ; seq++ {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.Logger.Warn("websocket closed", zap.String("request_id", requestID), zap.Error(err))
				}
				return
			}

			frameID := fmt.Sprintf("%s-%d", requestID, seq)
			var body any
			if messageType != websocket.BinaryMessage {
				body = ErrorResponse{Code: "invalid_image", Message: "Send each image as a binary frame"}
			} else if result, err := s.Pipeline.Run(r.Context(), frameID, normalize.Upload{Data: data}); err != nil {
				_, code, message := errorStatus(err)
				body = ErrorResponse{Code: code, Message: message}
				s.Logger.Info("websocket frame rejected", zap.String("request_id", frameID), zap.Error(err))
			} else {
				body = models.NewPredictResponse(result.Detections, s.Labels)
			}

			payload, err := json.Marshal(body)
			if err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Logger.Warn("websocket write failed", zap.String("request_id", frameID), zap.Error(err))
				return
			}
		}
	}
}
