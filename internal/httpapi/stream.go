package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/agentworkforce/autosave/internal/autosave"
	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStream pushes status events for one document over a websocket. The
// first frame is the current status so a client never starts blind.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	events, cancel := s.engine.Subscribe(documentID)
	defer cancel()

	// Client frames are not expected; CloseRead notices when the peer leaves.
	ctx := conn.CloseRead(r.Context())

	initial := autosave.StatusEvent{
		ID:     ulid.Make().String(),
		At:     time.Now().UTC(),
		Status: s.engine.Status(documentID),
	}
	if err := writeEvent(ctx, conn, initial); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.log.Debug().Err(err).Str("document_id", documentID).Msg("stream write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev autosave.StatusEvent) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
