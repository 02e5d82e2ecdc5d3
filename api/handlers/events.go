package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

// StreamEvents 推送转换事件. Replays the document's history and follows
// with live events until the terminal one, as server-sent events. The
// event id carries the per-document sequence number.
func (h *DocumentHandler) StreamEvents(c *gin.Context) {
	documentID := c.Param("documentId")
	if documentID == "" {
		h.handleError(c, http.StatusBadRequest, "Document ID is required", nil)
		return
	}

	events, cancel, err := h.service.Events(c.Request.Context(), documentID)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to subscribe", err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if err := sse.Encode(w, sse.Event{
				Id:    strconv.FormatInt(ev.Seq, 10),
				Event: string(ev.Type),
				Data:  ev,
			}); err != nil {
				return false
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
