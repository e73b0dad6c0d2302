package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// SignalingMessage is a message on the viewer websocket.
//
// The browser sends {"type":"offer","sdp":...}; the server answers with
// {"type":"answer","sdp":...,"id":...} or {"type":"error","error":...}.
// Closing the socket removes the viewer.
type SignalingMessage struct {
	Type  string `json:"type"`
	SDP   string `json:"sdp,omitempty"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleViewerSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.With().Str("remote", c.Request.RemoteAddr).Logger()
	log.Debug().Msg("viewer socket opened")

	var ids []string
	defer func() {
		for _, id := range ids {
			_ = s.cfg.Viewers.Unsubscribe(id)
		}
		log.Debug().Int("viewers", len(ids)).Msg("viewer socket closed")
	}()

	for {
		var msg SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("read message")
			}
			return
		}

		switch msg.Type {
		case "offer":
			ctx, cancel := context.WithTimeout(c.Request.Context(), offerTimeout)
			answer, id, err := s.cfg.Viewers.Subscribe(ctx, msg.SDP)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("viewer rejected")
				_ = conn.WriteJSON(SignalingMessage{Type: "error", Error: err.Error()})
				continue
			}
			ids = append(ids, id)
			if err := conn.WriteJSON(SignalingMessage{Type: "answer", SDP: answer, ID: id}); err != nil {
				return
			}
		default:
			_ = conn.WriteJSON(SignalingMessage{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}
