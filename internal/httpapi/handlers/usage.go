package handlers

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatstream/internal/common"
	"github.com/suPer8Hu/chatstream/internal/usage"
)

func (h *Handler) MyTokenUsage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	records, err := h.Usage.ListByUser(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to load token usage")
		return
	}
	common.OK(c, gin.H{"records": nonNil(records)})
}

// AllTokenUsage is mounted behind AdminRequired.
func (h *Handler) AllTokenUsage(c *gin.Context) {
	records, err := h.Usage.ListAll(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to load token usage")
		return
	}
	common.OK(c, gin.H{"records": nonNil(records)})
}

// ExportTokenUsage streams every record as a CSV attachment. Admin only.
func (h *Handler) ExportTokenUsage(c *gin.Context) {
	records, err := h.Usage.ListAll(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to load token usage")
		return
	}

	// render first so a failure can still produce a JSON error
	var buf bytes.Buffer
	if err := usage.WriteCSV(&buf, records); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to render csv")
		return
	}

	filename := usage.ExportFilename(time.Now())
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func nonNil(records []usage.Record) []usage.Record {
	if records == nil {
		return []usage.Record{}
	}
	return records
}
