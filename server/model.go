package server

// Authentication sources recorded on identities.
const (
	SourceLocal     = "local"
	SourceFederated = "federated"
)

// Identity describes the authenticated caller attached to a request.
type Identity struct {
	UserID  string   `json:"user_id"`
	Roles   []string `json:"roles"`
	Email   string   `json:"email,omitempty"`
	Name    string   `json:"name,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Source  string   `json:"auth_source"`
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// LoginRequest is the dev-mode credential login payload.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a freshly minted token pair.
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// RefreshResponse carries a new access token minted from a refresh token.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// RevokeRequest names the subject to revoke.
type RevokeRequest struct {
	UserID string `json:"user_id"`
}
