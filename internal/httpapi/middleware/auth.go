package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatstream/internal/auth"
	"github.com/suPer8Hu/chatstream/internal/common"
	"github.com/suPer8Hu/chatstream/internal/models"
	"gorm.io/gorm"
)

const (
	UserIDKey = "user_id"
	UserKey   = "user"
)

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// AuthRequired accepts only an Authorization: Bearer header.
func AuthRequired(secret string) gin.HandlerFunc {
	return authenticate(secret, false)
}

// AuthRequiredQuery also accepts ?token=, for EventSource clients that cannot
// set headers. The header wins when both are present.
func AuthRequiredQuery(secret string) gin.HandlerFunc {
	return authenticate(secret, true)
}

func authenticate(secret string, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" && allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "missing token")
			return
		}

		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.AbortFail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}

		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// AdminRequired must run after AuthRequired. It loads the user and stores it
// under UserKey.
func AdminRequired(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := UserID(c)
		if !ok {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}

		var u models.User
		if err := db.WithContext(c.Request.Context()).First(&u, uid).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				common.AbortFail(c, http.StatusUnauthorized, 40103, "user no longer exists")
				return
			}
			common.AbortFail(c, http.StatusInternalServerError, 50001, "db error")
			return
		}
		if !u.IsAdmin() {
			common.AbortFail(c, http.StatusForbidden, 40301, "admin access required")
			return
		}

		c.Set(UserKey, &u)
		c.Next()
	}
}

func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
