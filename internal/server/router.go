package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/auth"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/bridge"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/identity"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const subjectContextKey = "fedbridge_subject"

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingClients       = errors.New("client registry dependency required")
	errMissingSubjects      = errors.New("subject resolver dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenIssuer signs and validates tokens for the embedded issuance endpoint.
type TokenIssuer interface {
	Issue(ctx context.Context, subject identity.Identity, clientID string, scopes []string, profile map[string]any) (auth.TokenSet, error)
	ValidateAccessToken(token string) (auth.AccessClaims, error)
	KeySet() auth.KeySet
}

// Authenticator resolves password grant credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (identity.Identity, error)
}

// ClientRegistry resolves OAuth clients.
type ClientRegistry interface {
	Lookup(id string) (auth.Client, bool)
}

// ClaimBuilder produces the profile claims carried in id tokens and userinfo responses.
type ClaimBuilder interface {
	Build(subject identity.Identity) map[string]any
}

// SubjectResolver loads the identity behind a token subject.
type SubjectResolver interface {
	Resolve(ctx context.Context, subjectID string) (identity.Identity, error)
}

// Dependencies wires the HTTP surface. Issuer may be nil, which leaves the /oauth routes unmounted.
type Dependencies struct {
	Issuer            TokenIssuer
	Authenticator     Authenticator
	Clients           ClientRegistry
	Claims            ClaimBuilder
	Subjects          SubjectResolver
	Bridge            *bridge.Gateway
	FederationEnabled bool
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Issuer != nil {
		if deps.Authenticator == nil {
			return nil, errMissingAuthenticator
		}
		if deps.Clients == nil {
			return nil, errMissingClients
		}
		if deps.Subjects == nil {
			return nil, errMissingSubjects
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	handler := &httpHandler{
		issuer:        deps.Issuer,
		authenticator: deps.Authenticator,
		clients:       deps.Clients,
		claims:        deps.Claims,
		subjects:      deps.Subjects,
		bridge:        deps.Bridge,
		federation:    deps.FederationEnabled,
		metrics:       deps.Metrics,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Bridge != nil {
		router.POST("/bridge/token", deps.Bridge.HandleToken)
	}
	if deps.Issuer != nil {
		oauth := router.Group("/oauth")
		oauth.POST("/token", handler.handleToken)
		oauth.GET("/jwks", handler.handleJWKS)

		protected := oauth.Group("/")
		protected.Use(handler.authorizeRequest)
		protected.GET("/userinfo", handler.handleUserInfo)
		protected.POST("/userinfo", handler.handleUserInfo)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	issuer        TokenIssuer
	authenticator Authenticator
	clients       ClientRegistry
	claims        ClaimBuilder
	subjects      SubjectResolver
	bridge        *bridge.Gateway
	federation    bool
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

type healthResponsePayload struct {
	Status     string `json:"status"`
	Federation bool   `json:"federation"`
	Bridge     string `json:"bridge"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	state := bridge.StateUnconfigured
	if h.bridge != nil {
		state = h.bridge.State()
	}
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:     "ok",
		Federation: h.federation,
		Bridge:     string(state),
	})
}

func (h *httpHandler) handleJWKS(c *gin.Context) {
	c.JSON(http.StatusOK, h.issuer.KeySet())
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.issuer.ValidateAccessToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) handleUserInfo(c *gin.Context) {
	subjectID := c.GetString(subjectContextKey)
	if subjectID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	subject, err := h.subjects.Resolve(c.Request.Context(), subjectID)
	if err != nil {
		h.logger.Info("userinfo subject not found", zap.String("subject", subjectID), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "User not found"})
		return
	}
	if !subject.Enabled() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Account disabled"})
		return
	}
	c.JSON(http.StatusOK, h.profile(subject))
}

func (h *httpHandler) profile(subject identity.Identity) map[string]any {
	if h.claims == nil {
		return map[string]any{"sub": subject.ID()}
	}
	return h.claims.Build(subject)
}
