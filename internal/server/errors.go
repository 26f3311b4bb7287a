package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/attendance"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/manifest"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type codedError interface {
	Code() string
}

type errorMapping struct {
	target error
	status int
	kind   string
}

// errorMappings is ordered: split-brain wraps a store error and must match first.
var errorMappings = []errorMapping{
	{target: manifest.ErrConfirmedExternallyButNotRecorded, status: http.StatusInternalServerError, kind: "confirmed_externally_but_not_recorded"},
	{target: manifest.ErrInvalidManifest, status: http.StatusBadRequest, kind: "invalid_manifest"},
	{target: attendance.ErrInvalidUserID, status: http.StatusBadRequest, kind: "invalid_user_id"},
	{target: attendance.ErrInvalidTimeOrder, status: http.StatusBadRequest, kind: "invalid_time_order"},
	{target: attendance.ErrAlreadyClockedIn, status: http.StatusConflict, kind: "already_clocked_in"},
	{target: attendance.ErrAlreadyClockedOut, status: http.StatusConflict, kind: "already_clocked_out"},
	{target: attendance.ErrNotClockedIn, status: http.StatusConflict, kind: "not_clocked_in"},
	{target: ledger.ErrConcurrentModification, status: http.StatusConflict, kind: "concurrent_modification"},
	{target: manifest.ErrNotReconcilable, status: http.StatusConflict, kind: "not_reconcilable"},
	{target: manifest.ErrRejected, status: http.StatusUnprocessableEntity, kind: "rejected"},
	{target: manifest.ErrExternalUnavailable, status: http.StatusServiceUnavailable, kind: "external_unavailable"},
	{target: attendance.ErrCorruptRecord, status: http.StatusBadGateway, kind: "corrupt_record"},
	{target: manifest.ErrCorruptRecord, status: http.StatusBadGateway, kind: "corrupt_record"},
	{target: ledger.ErrStoreRejected, status: http.StatusBadGateway, kind: "store_rejected"},
	{target: ledger.ErrStoreUnavailable, status: http.StatusServiceUnavailable, kind: "store_unavailable"},
}

// writeError maps a service failure onto a status and a JSON body carrying the error
// kind and the service code.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal_error"
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			status, kind = mapping.status, mapping.kind
			break
		}
	}

	body := gin.H{"error": kind}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	switch kind {
	case "concurrent_modification", "store_unavailable", "external_unavailable":
		body["retryable"] = true
	case "confirmed_externally_but_not_recorded":
		body["reconcile_required"] = true
	case "rejected":
		var rejection *manifest.RejectionError
		if errors.As(err, &rejection) {
			body["result_code"] = rejection.Code
			body["result_message"] = rejection.Message
		}
	case "internal_error":
		h.logger.Error("unhandled request error",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}
