package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/manifest"
	"github.com/gin-gonic/gin"
)

type manifestPayload struct {
	ManifestNumber string `json:"manifest_number"`
	VehicleNumber  string `json:"vehicle_number,omitempty"`
	WasteType      string `json:"waste_type,omitempty"`
	GrossWeight    int64  `json:"gross_weight"`
	TareWeight     int64  `json:"tare_weight"`
	NetWeight      int64  `json:"net_weight"`
	Status         string `json:"status"`
	ResultCode     string `json:"result_code,omitempty"`
	ResultMessage  string `json:"result_message,omitempty"`
	AttemptID      string `json:"attempt_id,omitempty"`
	SubmittedBy    string `json:"submitted_by,omitempty"`
	ConfirmedAt    string `json:"confirmed_at,omitempty"`
}

type submissionPayload struct {
	Manifest manifestPayload `json:"manifest"`
	Replayed bool            `json:"replayed"`
}

type backlogEntryPayload struct {
	Manifest   manifestPayload `json:"manifest"`
	Cause      string          `json:"cause"`
	RecordedAt string          `json:"recorded_at"`
}

type backlogPayload struct {
	Entries []backlogEntryPayload `json:"entries"`
	Durable bool                  `json:"durable"`
	Warning string                `json:"warning,omitempty"`
}

const volatileBacklogWarning = "backlog is held in memory only and is lost on restart"

func newManifestPayload(record manifest.Record) manifestPayload {
	payload := manifestPayload{
		ManifestNumber: record.ManifestNumber,
		VehicleNumber:  record.VehicleNumber,
		WasteType:      record.WasteType,
		GrossWeight:    record.GrossWeight,
		TareWeight:     record.TareWeight,
		NetWeight:      record.NetWeight(),
		Status:         string(record.Status),
		ResultCode:     record.ResultCode,
		ResultMessage:  record.ResultMessage,
		AttemptID:      record.AttemptID,
		SubmittedBy:    record.SubmittedBy,
	}
	if !record.ConfirmedAt.IsZero() {
		payload.ConfirmedAt = record.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func (h *httpHandler) handleSubmitManifest(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request manifest.Input
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	submission, err := h.manifests.Submit(c.Request.Context(), request, userID.String())
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if submission.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, submissionPayload{
		Manifest: newManifestPayload(submission.Record),
		Replayed: submission.Replayed,
	})
}

func (h *httpHandler) handleReconcileManifest(c *gin.Context) {
	if _, ok := h.currentUser(c); !ok {
		return
	}
	record, err := h.manifests.Reconcile(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": newManifestPayload(record)})
}

func (h *httpHandler) handleManifestBacklog(c *gin.Context) {
	entries := h.manifests.Backlog()
	response := backlogPayload{
		Entries: make([]backlogEntryPayload, 0, len(entries)),
		Durable: h.manifests.BacklogDurable(),
	}
	if !response.Durable {
		response.Warning = volatileBacklogWarning
	}
	for _, entry := range entries {
		response.Entries = append(response.Entries, backlogEntryPayload{
			Manifest:   newManifestPayload(entry.Record),
			Cause:      entry.Cause,
			RecordedAt: entry.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, response)
}
