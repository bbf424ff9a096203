package runtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/store"
)

const (
	tailPollInterval = 500 * time.Millisecond
	tailBatchLimit   = 100
	tailWriteWait    = 10 * time.Second
)

var tailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// tailFrame is one websocket message on the turn tail.
type tailFrame struct {
	TurnID    string          `json:"turn_id"`
	Seq       int             `json:"seq"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

type tailDone struct {
	TurnID string `json:"turn_id"`
	Status string `json:"status"`
	Done   bool   `json:"done"`
}

// turnTailHandler streams a turn's persisted events over a websocket,
// polling the store until the turn reaches a terminal status.
func turnTailHandler(st store.Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		turnID := c.Param("turn_id")

		turn, err := st.GetTurn(c.Request.Context(), turnID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
			return
		}
		if turn == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "turn not found"})
			return
		}

		conn, err := tailUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Warn("turn tail upgrade failed", zap.String("turn_id", turnID))
			return
		}
		defer conn.Close()

		// Drain client frames so close messages are processed.
		go func() {
			for {
				if _, _, readErr := conn.ReadMessage(); readErr != nil {
					return
				}
			}
		}()

		ctx := c.Request.Context()
		afterSeq := 0
		for {
			events, err := st.ListTurnEvents(ctx, turnID, afterSeq, tailBatchLimit)
			if err != nil {
				log.WithError(err).Error("turn tail query failed", zap.String("turn_id", turnID))
				return
			}
			for _, event := range events {
				frame := tailFrame{
					TurnID:    event.TurnID,
					Seq:       event.Seq,
					EventType: event.EventType,
					Payload:   json.RawMessage(event.PayloadJSON),
					CreatedAt: event.CreatedAt,
				}
				if !json.Valid(frame.Payload) {
					frame.Payload = json.RawMessage(`{}`)
				}
				conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
				if writeErr := conn.WriteJSON(frame); writeErr != nil {
					return
				}
				if event.Seq > afterSeq {
					afterSeq = event.Seq
				}
			}

			if len(events) < tailBatchLimit {
				turn, err := st.GetTurn(ctx, turnID)
				if err != nil || turn == nil {
					return
				}
				switch turn.Status {
				case store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
					conn.SetWriteDeadline(time.Now().Add(tailWriteWait))
					_ = conn.WriteJSON(tailDone{TurnID: turnID, Status: turn.Status, Done: true})
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}

				select {
				case <-ctx.Done():
					return
				case <-time.After(tailPollInterval):
				}
			}
		}
	}
}
