package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type ledgerTablePayload struct {
	Table   string              `json:"table"`
	Columns []string            `json:"columns"`
	Rows    []map[string]string `json:"rows"`
}

type ledgerEventPayload struct {
	Table       string `json:"table"`
	Rows        int    `json:"rows"`
	Fingerprint string `json:"fingerprint"`
	Timestamp   string `json:"timestamp"`
	Source      string `json:"source"`
}

func (h *httpHandler) handleLedgerTable(c *gin.Context) {
	table, ok := h.tables[c.Param("table")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
		return
	}
	snapshot, err := h.ledger.View(c.Request.Context(), table)
	if err != nil {
		h.writeError(c, err)
		return
	}
	rows := snapshot.Rows()
	payload := ledgerTablePayload{
		Table:   table.Name,
		Columns: table.Columns,
		Rows:    make([]map[string]string, 0, len(rows)),
	}
	for _, row := range rows {
		payload.Rows = append(payload.Rows, row)
	}
	c.JSON(http.StatusOK, payload)
}

// handleLedgerStream emits server-sent events for committed ledger changes. The optional
// table query parameter narrows the feed to one table.
func (h *httpHandler) handleLedgerStream(c *gin.Context) {
	topic := realtimeAllTables
	if name := c.Query("table"); name != "" {
		if _, ok := h.tables[name]; !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
			return
		}
		topic = name
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, topic)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, ledgerEventPayload{
				Table:       message.Table,
				Rows:        message.Rows,
				Fingerprint: message.Fingerprint,
				Timestamp:   message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:      realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339), "source": realtimeSourceBackend})
			return true
		}
	})
}
