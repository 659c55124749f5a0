package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/auth"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/bridge"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/claims"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/credentials"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/database"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/federation"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/legacydb"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/metrics"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/users"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	flowProviderID = "legacy-postgres"
	flowClientID   = "legacy-bridge"
	flowEmail      = "bridge-test@example.com"
	flowPassword   = "test-password"
)

type memorySource struct {
	mu      sync.Mutex
	rows    map[string]legacydb.Record
	digests map[string]string
}

func (s *memorySource) ByID(_ context.Context, id string) (legacydb.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.rows {
		if record.ID() == id {
			return record, true
		}
	}
	return legacydb.Record{}, false
}

func (s *memorySource) ByEmail(_ context.Context, email string) (legacydb.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.rows[email]
	return record, ok
}

func (s *memorySource) SearchByField(context.Context, string, string, int) []legacydb.Record {
	return nil
}

func (s *memorySource) All(context.Context, int, int) []legacydb.Record {
	return nil
}

func (s *memorySource) Count(context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memorySource) PasswordDigest(_ context.Context, email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	digest, ok := s.digests[email]
	return digest, ok
}

type flowFixture struct {
	server  *httptest.Server
	store   *users.Store
	metrics *metrics.Metrics
}

func newFlowFixture(t *testing.T) flowFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	digest, err := bcrypt.GenerateFromPassword([]byte(flowPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	source := &memorySource{
		rows: map[string]legacydb.Record{flowEmail: legacydb.RecordFromMap(map[string]string{
			"id":            "9d1c4f7a-3b2e-4f0c-8a5d-6e7f8091a2b3",
			"email":         flowEmail,
			"first_name":    "Bridge",
			"last_name":     "Tester",
			"business_name": "Acme",
			"role":          "0",
			"orders":        "12",
		})},
		digests: map[string]string{flowEmail: string(digest)},
	}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "local.db"), nil)
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := users.NewStore(users.StoreConfig{Database: db, DefaultRequiredActions: []string{"VERIFY_EMAIL"}})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	registry := metrics.New()
	hasher := credentials.NewArgon2Hasher(credentials.Argon2Params{Memory: 1024, Time: 1})
	reconciler, err := federation.NewReconciler(federation.ReconcilerConfig{Store: store, Hasher: hasher, Observer: registry})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	provider, err := federation.NewProvider(federation.ProviderConfig{
		ProviderID:    flowProviderID,
		Directory:     source,
		Reconciler:    reconciler,
		ImportEnabled: true,
		Observer:      registry,
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{Accounts: store, Verifier: hasher, Federation: provider})
	if err != nil {
		t.Fatalf("failed to create authenticator: %v", err)
	}
	key, err := auth.GenerateSigningKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	testServer := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + testServer.Listener.Addr().String()

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningKey: key, Issuer: baseURL})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	clients, err := auth.NewClientRegistry([]auth.Client{
		{ID: flowClientID, Enabled: true, DirectAccessGrants: true, Scopes: []string{"openid", "email", "profile", "bridge-legacy-auth"}},
		{ID: "browser-app", Enabled: true, Scopes: []string{"openid"}},
	})
	if err != nil {
		t.Fatalf("failed to create clients: %v", err)
	}
	gateway := bridge.NewGateway(bridge.Config{
		ClientID:      flowClientID,
		RequiredScope: "bridge-legacy-auth",
		TokenEndpoint: baseURL + "/oauth/token",
		Clients:       clients,
		Observer:      registry,
	})

	handler, err := NewHTTPHandler(Dependencies{
		Issuer:            issuer,
		Authenticator:     authenticator,
		Clients:           clients,
		Claims:            claims.NewProjector(nil),
		Subjects:          Subjects{Local: store, Federated: provider},
		Bridge:            gateway,
		FederationEnabled: true,
		Metrics:           registry,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	testServer.Config.Handler = handler
	testServer.Start()
	t.Cleanup(testServer.Close)

	return flowFixture{server: testServer, store: store, metrics: registry}
}

func decodeJSON(t *testing.T, response *http.Response) map[string]any {
	t.Helper()
	defer response.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func postBridgeLogin(t *testing.T, fixture flowFixture, password string) *http.Response {
	t.Helper()
	payload := `{"username":"` + flowEmail + `","password":"` + password + `"}`
	response, err := http.Post(fixture.server.URL+"/bridge/token", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("bridge request failed: %v", err)
	}
	return response
}

func TestBridgeLoginImportsExternalIdentityOnce(t *testing.T) {
	fixture := newFlowFixture(t)

	first := decodeJSON(t, postBridgeLogin(t, fixture, flowPassword))
	user, ok := first["user"].(map[string]any)
	if !ok {
		t.Fatalf("expected user object, got %v", first)
	}
	token := first["token"].(map[string]any)
	if token["token"] != first["access_token"] {
		t.Fatalf("expected token.token to equal access_token")
	}

	account, err := fixture.store.FindByUsername(context.Background(), flowEmail)
	if err != nil {
		t.Fatalf("expected imported account: %v", err)
	}
	if user["sub"] != account.ID() {
		t.Fatalf("expected sub %q to be the imported account id, got %v", account.ID(), user["sub"])
	}
	if account.FederationLink() != flowProviderID {
		t.Fatalf("unexpected federation link %q", account.FederationLink())
	}
	if user["business_name"] != "Acme" || user["role"] != "is_admin" || user["orders"] != float64(12) {
		t.Fatalf("unexpected projected claims %v", user)
	}
	if _, present := user["phone_number"]; !present || user["phone_number"] != nil {
		t.Fatalf("expected absent string claim to be null, got %v", user["phone_number"])
	}
	if user["payment_issue"] != false {
		t.Fatalf("expected absent boolean claim to be false, got %v", user["payment_issue"])
	}
	actions, err := fixture.store.RequiredActions(context.Background(), account.ID())
	if err != nil || len(actions) != 0 {
		t.Fatalf("expected required actions to be cleared, got %v (%v)", actions, err)
	}

	second := decodeJSON(t, postBridgeLogin(t, fixture, flowPassword))
	if second["user"].(map[string]any)["sub"] != account.ID() {
		t.Fatalf("expected stable subject across logins")
	}

	response, err := http.Get(fixture.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer response.Body.Close()
	exposition, _ := io.ReadAll(response.Body)
	if !strings.Contains(string(exposition), `fedbridge_imports_total{outcome="imported"} 1`) {
		t.Fatalf("expected exactly one import in metrics, got:\n%s", exposition)
	}
}

func TestBridgeLoginPassesThroughInvalidGrant(t *testing.T) {
	fixture := newFlowFixture(t)

	response := postBridgeLogin(t, fixture, "wrong-password")
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
	body := decodeJSON(t, response)
	if body["error"] != "invalid_grant" || body["error_description"] != "Invalid user credentials" {
		t.Fatalf("unexpected error body %v", body)
	}
	if _, err := fixture.store.FindByUsername(context.Background(), flowEmail); err == nil {
		t.Fatalf("rejected login must not import the identity")
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	fixture := newFlowFixture(t)

	cases := []struct {
		name   string
		form   url.Values
		status int
		kind   string
	}{
		{name: "unsupported grant", form: url.Values{"grant_type": {"client_credentials"}, "client_id": {flowClientID}}, status: http.StatusBadRequest, kind: "unsupported_grant_type"},
		{name: "unknown client", form: url.Values{"grant_type": {"password"}, "client_id": {"nope"}}, status: http.StatusUnauthorized, kind: "invalid_client"},
		{name: "no direct grants", form: url.Values{"grant_type": {"password"}, "client_id": {"browser-app"}, "username": {flowEmail}, "password": {flowPassword}}, status: http.StatusUnauthorized, kind: "unauthorized_client"},
		{name: "missing password", form: url.Values{"grant_type": {"password"}, "client_id": {flowClientID}, "username": {flowEmail}}, status: http.StatusBadRequest, kind: "invalid_request"},
		{name: "unknown user", form: url.Values{"grant_type": {"password"}, "client_id": {flowClientID}, "username": {"ghost@example.com"}, "password": {"x"}}, status: http.StatusUnauthorized, kind: "invalid_grant"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			response, err := http.PostForm(fixture.server.URL+"/oauth/token", tc.form)
			if err != nil {
				t.Fatalf("token request failed: %v", err)
			}
			if response.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, response.StatusCode)
			}
			if body := decodeJSON(t, response); body["error"] != tc.kind {
				t.Fatalf("expected error %q, got %v", tc.kind, body)
			}
		})
	}
}

func TestUserInfoAndDiscoveryEndpoints(t *testing.T) {
	fixture := newFlowFixture(t)

	response, err := http.PostForm(fixture.server.URL+"/oauth/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {flowClientID},
		"username":   {flowEmail},
		"password":   {flowPassword},
		"scope":      {"email profile"},
	})
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	tokens := decodeJSON(t, response)
	if _, hasID := tokens["id_token"]; hasID {
		t.Fatalf("expected no id token without openid scope")
	}
	if tokens["scope"] != "email profile" || tokens["token_type"] != "Bearer" {
		t.Fatalf("unexpected token response %v", tokens)
	}

	request, _ := http.NewRequest(http.MethodGet, fixture.server.URL+"/oauth/userinfo", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+tokens["access_token"].(string))
	response, err = http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("userinfo request failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected userinfo 200, got %d", response.StatusCode)
	}
	profile := decodeJSON(t, response)
	if profile["email"] != flowEmail || profile["given_name"] != "Bridge" || profile["business_name"] != "Acme" {
		t.Fatalf("unexpected userinfo %v", profile)
	}

	response, err = http.Get(fixture.server.URL + "/oauth/jwks")
	if err != nil {
		t.Fatalf("jwks request failed: %v", err)
	}
	keys := decodeJSON(t, response)["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("expected one published key, got %d", len(keys))
	}

	response, err = http.Get(fixture.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	health := decodeJSON(t, response)
	if health["status"] != "ok" || health["federation"] != true || health["bridge"] != "ready" {
		t.Fatalf("unexpected health payload %v", health)
	}
}

func TestNewHTTPHandlerRequiresIssuerCollaborators(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{Issuer: stubTokenIssuer{}}); err == nil {
		t.Fatalf("expected missing authenticator error")
	}
	handler, err := NewHTTPHandler(Dependencies{})
	if err != nil {
		t.Fatalf("expected bare handler to build: %v", err)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/oauth/token", http.NoBody))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected oauth routes to be unmounted, got %d", recorder.Code)
	}
}
