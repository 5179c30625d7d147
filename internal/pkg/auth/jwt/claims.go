package jwt

import "github.com/golang-jwt/jwt"

// Payload defines the claims of the identity tokens the server accepts.
// Tokens are issued by the identity service; the server only verifies them.
type Payload struct {
	// StandardClaims carries Exp, Iat and Iss. Expiry is enforced on parse and
	// again on long-lived WebSocket connections.
	jwt.StandardClaims

	// ID is the user identifier used for room membership and presence.
	ID string `json:"id"`

	// Nickname is the display name, carried for logging and client convenience.
	Nickname string `json:"nickname"`
}
