// Package auth verifies user identity tokens. The gateway does not manage
// accounts itself: the deployment's auth layer holds the same fernet key and
// issues tokens; the gateway only verifies them and extracts the user id.
package auth

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

const (
	// IdentityCookie carries the token when the client cannot set headers
	// (websocket upgrades from browsers).
	IdentityCookie = "gateway_identity"

	// TokenTTL bounds how old an accepted token may be.
	TokenTTL = 24 * time.Hour
)

// Verifier checks identity tokens against the shared key.
type Verifier struct {
	keys []*fernet.Key
}

func NewVerifier(key *fernet.Key) *Verifier {
	return &Verifier{keys: []*fernet.Key{key}}
}

// IssueToken mints a token for the user id. Exposed for the companion CLI
// and tests; production tokens come from the auth layer.
func (v *Verifier) IssueToken(userID string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(userID), v.keys[0])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(tok), nil
}

// VerifyToken returns the user id a valid token was issued for.
func (v *Verifier) VerifyToken(token string) (string, bool) {
	msg := fernet.VerifyAndDecrypt([]byte(token), TokenTTL, v.keys)
	if len(msg) == 0 {
		return "", false
	}
	return string(msg), true
}
