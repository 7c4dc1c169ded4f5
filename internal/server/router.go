package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/FeexSystems/BrowserSyncBot/internal/devices"
	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
	"github.com/FeexSystems/BrowserSyncBot/internal/transport"
	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "browsersync_subject"

var (
	errMissingRegistry      = errors.New("registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks device access tokens and returns their subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// DeviceDirectory is the persistent record of devices that have connected.
type DeviceDirectory interface {
	DeviceObserver
	List(ctx context.Context) ([]devices.Record, error)
	Delete(ctx context.Context, deviceID string) error
}

// Dependencies wires the relay HTTP handler. A nil Tokens disables authentication
// and a nil Directory disables device persistence.
type Dependencies struct {
	Registry       *Registry
	Directory      DeviceDirectory
	Tokens         TokenValidator
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the relay's HTTP surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		registry:       deps.Registry,
		directory:      deps.Directory,
		tokens:         deps.Tokens,
		originPatterns: originPatterns(deps.AllowedOrigins),
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/devices", handler.handleListDevices)
	protected.DELETE("/devices/:id", handler.handleDeleteDevice)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// originPatterns reduces configured origins to the host patterns the websocket
// handshake matches against.
func originPatterns(allowedOrigins []string) []string {
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

type httpHandler struct {
	registry       *Registry
	directory      DeviceDirectory
	tokens         TokenValidator
	originPatterns []string
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"connected": len(h.registry.ConnectedDeviceIDs()),
	})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	deviceID, err := protocol.NewDeviceID(c.Query("deviceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	if h.tokens != nil {
		subject, ok := h.authenticate(c, true)
		if !ok {
			return
		}
		if subject != deviceID.String() {
			h.logger.Warn("token subject does not match device",
				zap.String("device_id", deviceID.String()),
				zap.String("subject", subject))
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
	}
	codec, err := protocol.CodecByName(c.Query("encoding"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_encoding"})
		return
	}

	userAgent := c.Query("userAgent")
	if userAgent == "" {
		userAgent = c.Request.UserAgent()
	}
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		name = deviceID.String()
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("device_id", deviceID.String()), zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	session := h.registry.Open(deviceID.String(), transport.NewWebSocketConn(conn, codec))
	h.registry.Register(ctx, session, DeviceInfo{
		Name:      name,
		Type:      inferDeviceType(c.Query("type"), userAgent),
		Browser:   extractBrowser(userAgent),
		Platform:  c.Query("platform"),
		UserAgent: userAgent,
	})
	defer func() {
		h.registry.Unregister(context.WithoutCancel(ctx), session)
		session.Close()
	}()

	h.registry.Serve(ctx, session)
}

type devicesResponsePayload struct {
	Count     int              `json:"count"`
	Connected []DeviceInfo     `json:"connected"`
	Directory []devices.Record `json:"directory,omitempty"`
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	connected := h.registry.Snapshot()
	response := devicesResponsePayload{Count: len(connected), Connected: connected}
	if h.directory != nil {
		records, err := h.directory.List(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to list devices", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "device_list_failed"})
			return
		}
		response.Directory = records
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeleteDevice(c *gin.Context) {
	deviceID, err := protocol.NewDeviceID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	disconnected := h.registry.Disconnect(deviceID.String())
	found := disconnected
	if h.directory != nil {
		err := h.directory.Delete(c.Request.Context(), deviceID.String())
		switch {
		case err == nil:
			found = true
		case errors.Is(err, devices.ErrDeviceNotFound):
		default:
			h.logger.Error("failed to delete device", zap.String("device_id", deviceID.String()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "device_delete_failed"})
			return
		}
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Next()
		return
	}
	subject, ok := h.authenticate(c, false)
	if !ok {
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// authenticate validates the bearer token, or the access_token query parameter
// when allowQuery is set, and aborts the request on failure.
func (h *httpHandler) authenticate(c *gin.Context, allowQuery bool) (string, bool) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" && allowQuery {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return "", false
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return subject, true
}
