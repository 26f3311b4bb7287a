package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/attendance"
	"github.com/gin-gonic/gin"
)

type attendancePayload struct {
	UserID     string `json:"user_id"`
	Date       string `json:"date"`
	State      string `json:"state"`
	ClockIn    string `json:"clock_in,omitempty"`
	ClockOut   string `json:"clock_out,omitempty"`
	TotalHours string `json:"total_hours,omitempty"`
}

type elapsedPayload struct {
	ElapsedSeconds int64             `json:"elapsed_seconds"`
	Elapsed        string            `json:"elapsed"`
	Record         attendancePayload `json:"record"`
}

type attendanceListPayload struct {
	Records []attendancePayload `json:"records"`
}

func newAttendancePayload(record attendance.Record) attendancePayload {
	payload := attendancePayload{
		UserID: record.UserID.String(),
		Date:   record.Date,
		State:  record.State().String(),
	}
	if record.ClockIn != nil {
		payload.ClockIn = record.ClockIn.Format(attendance.TimeLayout)
	}
	if record.ClockOut != nil {
		payload.ClockOut = record.ClockOut.Format(attendance.TimeLayout)
	}
	if record.TotalHours.Valid {
		payload.TotalHours = record.TotalHours.Decimal.StringFixed(2)
	}
	return payload
}

func (h *httpHandler) handleClockIn(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	record, err := h.attendance.ClockIn(c.Request.Context(), userID, h.clock())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newAttendancePayload(record))
}

func (h *httpHandler) handleClockOut(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	record, err := h.attendance.ClockOut(c.Request.Context(), userID, h.clock())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAttendancePayload(record))
}

func (h *httpHandler) handleElapsed(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	elapsed, record, err := h.attendance.Elapsed(c.Request.Context(), userID, h.clock())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, elapsedPayload{
		ElapsedSeconds: int64(elapsed / time.Second),
		Elapsed:        formatClock(elapsed),
		Record:         newAttendancePayload(record),
	})
}

func (h *httpHandler) handleAttendanceRecords(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	records, err := h.attendance.Records(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := attendanceListPayload{Records: make([]attendancePayload, 0, len(records))}
	for _, record := range records {
		response.Records = append(response.Records, newAttendancePayload(record))
	}
	c.JSON(http.StatusOK, response)
}

// formatClock renders a duration as HH:MM:SS.
func formatClock(elapsed time.Duration) string {
	total := int64(elapsed / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
