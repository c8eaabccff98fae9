package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatstream/internal/common"
)

func (h *Handler) Ping(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		common.Fail(c, http.StatusServiceUnavailable, 50300, "database unavailable")
		return
	}
	common.OK(c, gin.H{"message": "pong"})
}
