package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

var errEmptyIDToken = errors.New("bridge: empty id token")

// ClaimsVerifier validates an identity token and returns its claims.
type ClaimsVerifier interface {
	Verify(ctx context.Context, rawToken string) (jwt.MapClaims, error)
}

// standardClaims are copied first, in this order, when present as strings.
var standardClaims = [...]string{"sub", "preferred_username", "name", "given_name", "family_name"}

// protocolClaims never reach the user object.
var protocolClaims = map[string]struct{}{
	"iss": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "jti": {},
	"azp": {}, "typ": {}, "sid": {}, "session_state": {}, "nonce": {},
	"auth_time": {}, "at_hash": {}, "c_hash": {}, "acr": {}, "amr": {}, "scope": {},
	"email": {}, "email_verified": {},
}

func decodeIDToken(ctx context.Context, verifier ClaimsVerifier, rawToken string) (jwt.MapClaims, error) {
	if rawToken == "" {
		return nil, errEmptyIDToken
	}
	if verifier != nil {
		return verifier.Verify(ctx, rawToken)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser(jwt.WithJSONNumber()).ParseUnverified(rawToken, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// UserClaims builds the user object from identity token claims. Standard profile claims are
// kept when present; email_verified accompanies email; every other non-protocol claim is
// copied with integral numbers narrowed to integers.
func UserClaims(claims jwt.MapClaims) map[string]any {
	user := make(map[string]any, len(claims))
	for _, name := range standardClaims {
		if value, ok := claims[name].(string); ok {
			user[name] = value
		}
	}
	if email, ok := claims["email"].(string); ok {
		user["email"] = email
		verified, _ := claims["email_verified"].(bool)
		user["email_verified"] = verified
	}

	for name, value := range claims {
		if _, reserved := protocolClaims[name]; reserved {
			continue
		}
		if _, seen := user[name]; seen {
			continue
		}
		user[name] = normalizeClaim(value)
	}
	return user
}

func normalizeClaim(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		return typed.String()
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed)
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		return value
	}
}
