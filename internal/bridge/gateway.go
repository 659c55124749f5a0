package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestedScope is sent with every forwarded password grant.
const RequestedScope = "openid email profile"

const maxTokenResponseBytes = 1 << 20

// State reports whether the gateway can serve requests.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateReady        State = "ready"
)

// Request outcomes reported to the observer.
const (
	OutcomeSuccess          = "success"
	OutcomeInvalidRequest   = "invalid_request"
	OutcomeUnconfigured     = "unconfigured"
	OutcomeUpstreamRejected = "upstream_rejected"
	OutcomeUpstreamError    = "upstream_error"
)

var (
	errMissingClientID      = errors.New("no bridge client id configured")
	errMissingTokenEndpoint = errors.New("no token endpoint configured")
	errMissingClientLookup  = errors.New("no client registry configured")
	errUnknownClient        = errors.New("bridge client not found")
	errClientDisabled       = errors.New("bridge client is disabled")
	errNoDirectGrants       = errors.New("bridge client does not allow direct access grants")
)

// ClientLookup resolves configured OAuth clients.
type ClientLookup interface {
	Lookup(id string) (auth.Client, bool)
}

// Observer records bridge request outcomes.
type Observer interface {
	ObserveBridgeRequest(outcome string)
}

// Config configures a Gateway.
type Config struct {
	ClientID      string
	RequiredScope string
	TokenEndpoint string
	Clients       ClientLookup
	// Verifier checks identity token signatures; nil reads claims without verification.
	Verifier   ClaimsVerifier
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
	Observer   Observer
	Clock      func() time.Time
}

// Gateway forwards legacy JSON logins to the token endpoint and reshapes the response.
type Gateway struct {
	state         State
	clientID      string
	tokenEndpoint string
	verifier      ClaimsVerifier
	httpClient    *http.Client
	timeout       time.Duration
	logger        *zap.Logger
	observer      Observer
	clock         func() time.Time
}

type credentialsPayload struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

// NewGateway validates cfg once. A gateway that fails validation is returned in the
// unconfigured state and answers every well-formed request with server_error.
func NewGateway(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	gateway := &Gateway{
		state:         StateUnconfigured,
		clientID:      strings.TrimSpace(cfg.ClientID),
		tokenEndpoint: strings.TrimSpace(cfg.TokenEndpoint),
		verifier:      cfg.Verifier,
		httpClient:    httpClient,
		timeout:       cfg.Timeout,
		logger:        logger,
		observer:      cfg.Observer,
		clock:         clock,
	}

	if err := gateway.validate(cfg.Clients, strings.TrimSpace(cfg.RequiredScope)); err != nil {
		logger.Error("bridge endpoint is misconfigured", zap.String("client_id", gateway.clientID), zap.Error(err))
		return gateway
	}
	gateway.state = StateReady
	logger.Info("bridge endpoint ready", zap.String("client_id", gateway.clientID), zap.String("token_endpoint", gateway.tokenEndpoint))
	return gateway
}

func (g *Gateway) validate(clients ClientLookup, requiredScope string) error {
	if g.clientID == "" {
		return errMissingClientID
	}
	if g.tokenEndpoint == "" {
		return errMissingTokenEndpoint
	}
	if clients == nil {
		return errMissingClientLookup
	}
	client, ok := clients.Lookup(g.clientID)
	if !ok {
		return errUnknownClient
	}
	if !client.Enabled {
		return errClientDisabled
	}
	if !client.DirectAccessGrants {
		return errNoDirectGrants
	}
	if requiredScope != "" && !client.HasScope(requiredScope) {
		g.logger.Warn("bridge client lacks required scope", zap.String("client_id", g.clientID), zap.String("scope", requiredScope))
	}
	return nil
}

// State returns the gateway state fixed at construction.
func (g *Gateway) State() State {
	return g.state
}

// HandleToken serves POST /bridge/token.
func (g *Gateway) HandleToken(c *gin.Context) {
	var payload credentialsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		g.logger.Debug("bridge payload rejected", zap.Error(err))
		g.fail(c, http.StatusBadRequest, OutcomeInvalidRequest, "invalid_request", "Invalid JSON payload")
		return
	}
	if payload.Username == nil || payload.Password == nil || *payload.Username == "" || *payload.Password == "" {
		g.logger.Warn("bridge request missing username or password")
		g.fail(c, http.StatusBadRequest, OutcomeInvalidRequest, "invalid_request", "Missing credentials")
		return
	}
	if g.state != StateReady {
		g.logger.Error("bridge request rejected: endpoint is misconfigured", zap.String("client_id", g.clientID))
		g.fail(c, http.StatusInternalServerError, OutcomeUnconfigured, "server_error", "initialization error")
		return
	}

	ctx := c.Request.Context()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	status, body, err := g.forward(ctx, *payload.Username, *payload.Password)
	if err != nil {
		g.logger.Error("token endpoint request failed", zap.String("token_endpoint", g.tokenEndpoint), zap.Error(err))
		g.fail(c, http.StatusInternalServerError, OutcomeUpstreamError, "server_error", "Internal server error")
		return
	}
	if status != http.StatusOK {
		g.logger.Info("token endpoint rejected bridge login", zap.Int("status", status))
		g.observe(OutcomeUpstreamRejected)
		c.Data(status, "application/json", body)
		return
	}

	raw, err := decodeTokenResponse(body)
	if err != nil {
		g.logger.Error("token endpoint returned unreadable response", zap.Error(err))
		g.fail(c, http.StatusInternalServerError, OutcomeUpstreamError, "server_error", "Internal server error")
		return
	}

	user := map[string]any{}
	if idToken, ok := raw[fieldIDToken].(string); ok {
		claims, err := decodeIDToken(ctx, g.verifier, idToken)
		if err != nil {
			g.logger.Error("failed to extract user claims from id token", zap.Error(err))
		} else {
			user = UserClaims(claims)
		}
	}

	g.observe(OutcomeSuccess)
	c.JSON(http.StatusOK, Combine(raw, user, g.clock()))
}

func (g *Gateway) forward(ctx context.Context, username, password string) (int, []byte, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", g.clientID)
	form.Set("scope", RequestedScope)
	form.Set("username", username)
	form.Set("password", password)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := g.httpClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxTokenResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read token response: %w", err)
	}
	return response.StatusCode, body, nil
}

func decodeTokenResponse(body []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("token response is not a json object")
	}
	return raw, nil
}

func (g *Gateway) fail(c *gin.Context, status int, outcome, kind, description string) {
	g.observe(outcome)
	c.JSON(status, gin.H{"error": kind, "error_description": description})
}

func (g *Gateway) observe(outcome string) {
	if g.observer != nil {
		g.observer.ObserveBridgeRequest(outcome)
	}
}
