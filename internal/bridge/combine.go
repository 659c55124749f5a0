// Package bridge exposes the legacy JSON login endpoint in front of the password grant.
package bridge

import "time"

const (
	fieldAccessToken = "access_token"
	fieldToken       = "token"
	fieldCreatedAt   = "created_at"
	fieldUser        = "user"
	fieldIDToken     = "id_token"
)

// legacyTopLevelFields stay at the top level of the combined response for older clients.
var legacyTopLevelFields = [...]string{"access_token", "refresh_token", "token_type", "expires_in", "scope"}

// Combine reshapes a token endpoint response into the legacy login contract: the raw fields
// move under "token" with the access token renamed to "token", the user claims go under "user",
// and the legacy top-level fields are copied through unchanged.
func Combine(raw map[string]any, user map[string]any, now time.Time) map[string]any {
	tokenNode := make(map[string]any, len(raw)+1)
	for name, value := range raw {
		if name == fieldAccessToken {
			continue
		}
		tokenNode[name] = value
	}
	if accessToken, ok := raw[fieldAccessToken]; ok {
		tokenNode[fieldToken] = accessToken
	}
	tokenNode[fieldCreatedAt] = now.Unix()

	if user == nil {
		user = map[string]any{}
	}

	combined := map[string]any{
		fieldToken: tokenNode,
		fieldUser:  user,
	}
	for _, name := range legacyTopLevelFields {
		if value, ok := raw[name]; ok {
			combined[name] = value
		}
	}
	return combined
}
