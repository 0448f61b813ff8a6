package api

import (
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"moplaychat/internal/auth"
	"moplaychat/internal/chat"
)

// Handler wires HTTP routes to the auth service and the per-user chat
// rooms.
type Handler struct {
	auth  *auth.Service
	rooms *chat.Registry
	log   zerolog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(authService *auth.Service, rooms *chat.Registry, log zerolog.Logger) *Handler {
	return &Handler{auth: authService, rooms: rooms, log: log}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	chatRoutes := api.Group("/chat")
	chatRoutes.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	chatRoutes.GET("/room", h.getRoom)
	chatRoutes.POST("/messages", h.sendMessage)
	chatRoutes.PATCH("/visibility", h.setVisibility)
	chatRoutes.GET("/ws", h.streamRoom)
	chatRoutes.POST("/logout", h.logoutUser)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)

	// Start the user's room right away so presence is announced without
	// waiting for the first chat API call.
	h.rooms.Enter(user.ID)

	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
			h.log.Warn().Err(err).Msg("revoke token failed")
		}
	}
	// The gate would notice the missing session within its poll interval;
	// stopping explicitly just makes logout immediate.
	h.rooms.Stop(userID)
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

func (h *Handler) getRoom(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	mgr := h.rooms.Enter(userID)
	c.JSON(http.StatusOK, gin.H{
		"room":              mgr.Snapshot(),
		"max_message_chars": chat.MaxMessageChars,
	})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	mgr := h.rooms.Enter(userID)
	err := mgr.Send(c.Request.Context(), req.Text)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"chars": utf8.RuneCountInString(chat.Sanitize(req.Text)),
		})
	case errors.Is(err, chat.ErrMessageEmpty), errors.Is(err, chat.ErrMessageTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNotSignedIn):
		c.JSON(http.StatusConflict, gin.H{"error": "chat room not ready"})
	default:
		h.log.Error().Err(err).Int64("user_id", userID).Msg("send message failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to send message"})
	}
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (h *Handler) setVisibility(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Visible == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	mgr := h.rooms.Enter(userID)
	if err := mgr.SetVisible(c.Request.Context(), *req.Visible); err != nil && !errors.Is(err, chat.ErrNotSignedIn) {
		h.log.Warn().Err(err).Msg("visibility update failed")
	}
	c.Status(http.StatusNoContent)
}
