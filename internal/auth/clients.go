package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errMissingClientID   = errors.New("client id is required")
	errDuplicateClientID = errors.New("duplicate client id")
	// ErrInvalidClientConfig wraps client registry construction failures.
	ErrInvalidClientConfig = errors.New("auth: invalid client config")
)

// Client is an OAuth client allowed to request tokens.
type Client struct {
	ID                 string
	Enabled            bool
	DirectAccessGrants bool
	Scopes             []string
}

// HasScope reports whether scope is assigned to the client.
func (c Client) HasScope(scope string) bool {
	return containsScope(c.Scopes, scope)
}

// GrantedScopes intersects requested with the client's scopes, keeping request order.
// An empty request grants every client scope.
func (c Client) GrantedScopes(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), c.Scopes...)
	}
	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if c.HasScope(scope) && !containsScope(granted, scope) {
			granted = append(granted, scope)
		}
	}
	return granted
}

// ClientRegistry holds the configured clients by id.
type ClientRegistry struct {
	clients map[string]Client
}

// NewClientRegistry validates clients and indexes them by id.
func NewClientRegistry(clients []Client) (*ClientRegistry, error) {
	registry := &ClientRegistry{clients: make(map[string]Client, len(clients))}
	for _, client := range clients {
		client.ID = strings.TrimSpace(client.ID)
		if client.ID == "" {
			return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingClientID)
		}
		if _, exists := registry.clients[client.ID]; exists {
			return nil, fmt.Errorf("%w: %v %q", ErrInvalidClientConfig, errDuplicateClientID, client.ID)
		}
		client.Scopes = ParseScopes(strings.Join(client.Scopes, " "))
		registry.clients[client.ID] = client
	}
	return registry, nil
}

// Lookup returns the client with id.
func (r *ClientRegistry) Lookup(id string) (Client, bool) {
	if r == nil {
		return Client{}, false
	}
	client, ok := r.clients[strings.TrimSpace(id)]
	return client, ok
}

// ParseScopes splits a space-delimited scope string, dropping blanks and duplicates.
func ParseScopes(value string) []string {
	var scopes []string
	for _, scope := range strings.Fields(value) {
		if !containsScope(scopes, scope) {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
