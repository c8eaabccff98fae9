package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatstream/internal/auth"
	"github.com/suPer8Hu/chatstream/internal/common"
	"github.com/suPer8Hu/chatstream/internal/email"
	"github.com/suPer8Hu/chatstream/internal/httpapi/middleware"
	"github.com/suPer8Hu/chatstream/internal/models"
	"gorm.io/gorm"
)

const minPasswordLen = 6

const forgotPasswordReply = "if the email is registered, a reset link has been sent"

func userIDFromContext(c *gin.Context) (uint64, bool) {
	return middleware.UserID(c)
}

type registerReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Username == "" || req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "username, email and password required")
		return
	}
	if !strings.Contains(req.Email, "@") {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid email")
		return
	}
	if len(req.Password) < minPasswordLen {
		common.Fail(c, http.StatusBadRequest, 10006, "password too short")
		return
	}

	ctx := c.Request.Context()
	var cnt int64
	if err := h.DB.WithContext(ctx).Model(&models.User{}).
		Where("email = ? OR username = ?", req.Email, req.Username).
		Count(&cnt).Error; err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if cnt > 0 {
		common.Fail(c, http.StatusBadRequest, 10003, "email or username already registered")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	user := models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         models.RoleUser,
	}
	if err := h.DB.WithContext(ctx).Create(&user).Error; err != nil {
		// lost a race against the unique index
		common.Fail(c, http.StatusBadRequest, 10003, "email or username already registered")
		return
	}

	common.OK(c, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"role":     user.Role,
	})
}

type loginReq struct {
	Email    string `json:"email" form:"email"`
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// Login accepts JSON or an OAuth2 password form, where the email travels in
// the "username" field.
func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBind(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}
	login := strings.ToLower(strings.TrimSpace(req.Email))
	if login == "" {
		login = strings.ToLower(strings.TrimSpace(req.Username))
	}
	if login == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		return
	}

	var user models.User
	err := h.DB.WithContext(c.Request.Context()).Where("email = ?", login).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40104, "invalid email or password")
		return
	}

	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, h.Cfg.JWTTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// currentUser loads the authenticated user and writes the failure response
// itself when it returns false.
func (h *Handler) currentUser(c *gin.Context) (*models.User, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return nil, false
	}
	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusUnauthorized, 40103, "user no longer exists")
			return nil, false
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return nil, false
	}
	return &user, true
}

func (h *Handler) Me(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	common.OK(c, gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"role":     user.Role,
	})
}

type changePasswordReq struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req changePasswordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if len(req.NewPassword) < minPasswordLen {
		common.Fail(c, http.StatusBadRequest, 10006, "password too short")
		return
	}

	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.OldPassword) {
		common.Fail(c, http.StatusForbidden, 40302, "old password is incorrect")
		return
	}

	if err := h.setPassword(c, user.ID, req.NewPassword); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "failed to update password")
		return
	}
	common.OK(c, gin.H{"message": "password updated"})
}

type forgotPasswordReq struct {
	Email string `json:"email"`
}

// ForgotPassword answers the same way whether or not the email exists.
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email required")
		return
	}
	addr := strings.ToLower(strings.TrimSpace(req.Email))
	ctx := c.Request.Context()

	// answered before the lookup so the reply does not depend on the address
	if h.Resets == nil {
		h.Log.Error("password reset requested but no token store configured")
		common.Fail(c, http.StatusServiceUnavailable, 50301, "password reset unavailable")
		return
	}

	var user models.User
	err := h.DB.WithContext(ctx).Where("email = ?", addr).First(&user).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		common.OK(c, gin.H{"message": forgotPasswordReply})
		return
	case err != nil:
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	token, err := auth.NewResetToken()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20004, "failed to generate token")
		return
	}
	if err := h.Resets.SaveResetToken(ctx, token, user.ID, h.Cfg.ResetTokenTTL); err != nil {
		h.Log.Error("save reset token", "user_id", user.ID, "error", err)
		common.Fail(c, http.StatusInternalServerError, 20005, "failed to store token")
		return
	}

	msg := email.PasswordReset(user.Email, h.Cfg.FrontendURL, token, h.Cfg.ResetTokenTTL)
	h.deliver(c, msg)

	common.OK(c, gin.H{"message": forgotPasswordReply})
}

// deliver queues m for the mail worker, or sends it directly when no queue is
// configured.
func (h *Handler) deliver(c *gin.Context, m email.Message) {
	if h.Mail != nil {
		if err := h.Mail.PublishMail(c.Request.Context(), m); err != nil {
			h.Log.Error("enqueue mail failed", "to", m.To, "error", err)
		}
		return
	}

	smtpCfg := email.SMTPConfig{
		Host: h.Cfg.SMTPHost,
		Port: h.Cfg.SMTPPort,
		User: h.Cfg.SMTPUser,
		Pass: h.Cfg.SMTPPass,
		From: h.Cfg.SMTPFrom,
	}
	if !smtpCfg.Enabled() {
		h.Log.Warn("no mail transport configured, dropping mail", "to", m.To, "subject", m.Subject)
		return
	}
	go func() {
		if err := email.Send(smtpCfg, m); err != nil {
			h.Log.Error("send mail failed", "to", m.To, "error", err)
		}
	}()
}

type resetPasswordReq struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetPasswordReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "token and new_password required")
		return
	}
	if len(req.NewPassword) < minPasswordLen {
		common.Fail(c, http.StatusBadRequest, 10006, "password too short")
		return
	}
	if h.Resets == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "password reset unavailable")
		return
	}

	uid, err := h.Resets.ConsumeResetToken(c.Request.Context(), req.Token)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10020, "invalid or expired token")
		return
	}

	if err := h.setPassword(c, uid, req.NewPassword); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusBadRequest, 10020, "invalid or expired token")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "failed to update password")
		return
	}
	common.OK(c, gin.H{"message": "password has been reset"})
}

func (h *Handler) setPassword(c *gin.Context, userID uint64, plain string) error {
	hash, err := auth.HashPassword(plain)
	if err != nil {
		return err
	}
	res := h.DB.WithContext(c.Request.Context()).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("password_hash", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
