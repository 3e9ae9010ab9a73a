package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsResponse wraps a Result or a protocol error sent to the client.
type wsResponse struct {
	Type   string `json:"type"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleExecuteWS runs each submission received on the connection and
// answers it with one frame. Submissions on one connection run in order.
func (s *Server) handleExecuteWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBytes)

	for {
		var req executeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !isDecodeError(err) {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read failed", zap.Error(err))
				}
				return
			}
			if werr := conn.WriteJSON(wsResponse{Type: "error", Error: "invalid message"}); werr != nil {
				return
			}
			continue
		}

		result := s.exec.Execute(r.Context(), req.Code, req.Language)
		if err := conn.WriteJSON(wsResponse{Type: "result", Result: result}); err != nil {
			s.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
