package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sessionCookie = "MOCKSTORE_SESSID"
	sessionKey    = "session_id"
	sessionTTL    = 24 * time.Hour

	csrfHeader = "X-CSRF-Token"
	csrfField  = "csrf_token"
)

// ErrInvalidCSRFToken is returned when a state-changing request carries no valid token.
var ErrInvalidCSRFToken = errors.New("invalid CSRF token")

// SessionStore tracks server-issued sessions and their CSRF tokens.
type SessionStore interface {
	RegisterSession(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	SessionRegistered(ctx context.Context, sessionID string) (bool, error)
	EndSession(ctx context.Context, sessionID string) error
	SessionToken(ctx context.Context, sessionID string) (string, error)
	SetSessionToken(ctx context.Context, sessionID, token string, ttl time.Duration) error
}

// sessionMiddleware attaches the session named by the cookie. IDs the server did
// not issue, or that expired, are replaced with a fresh session.
func (h *Handler) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		id, err := c.Cookie(sessionCookie)
		known := false
		if _, perr := uuid.Parse(id); err == nil && perr == nil {
			known, err = h.sessions.SessionRegistered(ctx, id)
			if err != nil {
				h.sessionUnavailable(c, err)
				return
			}
		}

		if !known {
			if id, err = h.startSession(c); err != nil {
				h.sessionUnavailable(c, err)
				return
			}
		}
		c.Set(sessionKey, id)
		c.Next()
	}
}

func (h *Handler) startSession(c *gin.Context) (string, error) {
	id := uuid.NewString()
	created, err := h.sessions.RegisterSession(c.Request.Context(), id, sessionTTL)
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("session id collision: %s", id)
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(sessionCookie, id, int(sessionTTL.Seconds()), "/", "", h.secure, true)
	return id, nil
}

// rotateSession replaces the session ID, dropping the old CSRF token with it.
func (h *Handler) rotateSession(c *gin.Context) {
	old := sessionID(c)
	id, err := h.startSession(c)
	if err != nil {
		h.logger.Error("Failed to rotate session", zap.Error(err))
		return
	}
	if err := h.sessions.EndSession(c.Request.Context(), old); err != nil {
		h.logger.Warn("Failed to end previous session", zap.Error(err))
	}
	c.Set(sessionKey, id)
}

func (h *Handler) sessionUnavailable(c *gin.Context, err error) {
	h.logger.Error("Session store unavailable", zap.Error(err))
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Session store unavailable"})
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}

// sessionCSRFToken returns the session's token, creating it on first use.
func (h *Handler) sessionCSRFToken(ctx context.Context, session string) (string, error) {
	token, err := h.sessions.SessionToken(ctx, session)
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}

	token = h.newToken()
	if err := h.sessions.SetSessionToken(ctx, session, token, sessionTTL); err != nil {
		return "", err
	}
	return token, nil
}

func (h *Handler) csrfToken(c *gin.Context) {
	token, err := h.sessionCSRFToken(c.Request.Context(), sessionID(c))
	if err != nil {
		h.internalError(c, "Failed to issue CSRF token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"csrf_token": token})
}

// csrfMiddleware rejects requests whose token does not match the session's.
func (h *Handler) csrfMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(csrfHeader)
		if given == "" {
			given = c.PostForm(csrfField)
		}

		expected, err := h.sessions.SessionToken(c.Request.Context(), sessionID(c))
		if err != nil {
			h.sessionUnavailable(c, err)
			return
		}

		if expected == "" || subtle.ConstantTimeCompare([]byte(given), []byte(expected)) != 1 {
			h.logger.Warn("CSRF token rejected",
				zap.String("path", c.FullPath()),
				zap.String("client", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrInvalidCSRFToken.Error()})
			return
		}
		c.Next()
	}
}

// contentSecurityPolicy allows the gateway for redirects and XHR and nothing else off-site.
func contentSecurityPolicy(gatewayURL string) string {
	directives := []string{
		"default-src 'self'",
		"img-src 'self' data: https:",
		"base-uri 'self'",
		"object-src 'none'",
		"frame-ancestors 'none'",
	}
	if gatewayURL != "" {
		directives = append(directives,
			"connect-src 'self' "+gatewayURL,
			"frame-src "+gatewayURL,
			"form-action 'self' "+gatewayURL)
	} else {
		directives = append(directives, "connect-src 'self'", "form-action 'self'")
	}
	return strings.Join(directives, "; ")
}

const permissionsPolicy = "geolocation=(), microphone=(), camera=(), payment=(), usb=(), magnetometer=(), accelerometer=(), gyroscope=()"

// securityHeaders sets browser hardening headers on every response. HSTS is sent
// only when the service is served over HTTPS.
func securityHeaders(csp string, https bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("X-Frame-Options", "DENY")
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		header.Set("Content-Security-Policy", csp)
		header.Set("Permissions-Policy", permissionsPolicy)
		if https {
			header.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		}
		c.Next()
	}
}

// requestLogger logs one line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
