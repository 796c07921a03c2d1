package admission

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenSaltBytes  = 32
	tokenKeyBytes   = 32
	tokenIterations = 10000
)

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// CredentialGate resolves bearer tokens to identities. Tokens are never stored;
// users are indexed by an HMAC digest of their token under a server key.
type CredentialGate struct {
	users UserStore
	key   []byte
}

// NewCredentialGate builds a gate keyed with the server credential key.
func NewCredentialGate(users UserStore, key []byte) (*CredentialGate, error) {
	if users == nil {
		return nil, fmt.Errorf("user store required")
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("credential key must be at least 16 bytes")
	}
	return &CredentialGate{users: users, key: append([]byte(nil), key...)}, nil
}

// Digest returns the lookup digest for token.
func (g *CredentialGate) Digest(token string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Resolve maps token to an identity. Missing, malformed and unknown tokens
// all fail with the same unauthenticated error.
func (g *CredentialGate) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if !tokenPattern.MatchString(token) {
		return Identity{}, newError(KindUnauthenticated, msgUnauthenticated)
	}
	digest := g.Digest(token)
	user, err := g.users.GetUserByCredential(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Identity{}, newError(KindUnauthenticated, msgUnauthenticated)
		}
		return Identity{}, storeError("resolve credential", err)
	}
	if !hmac.Equal([]byte(user.CredentialHash), []byte(digest)) {
		return Identity{}, newError(KindUnauthenticated, msgUnauthenticated)
	}
	return identityFromUser(user), nil
}

// GenerateToken derives a fresh random token for username.
func GenerateToken(username string, created time.Time) (string, error) {
	salt := make([]byte, tokenSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	seed := username + created.UTC().Format(time.RFC3339Nano)
	key := pbkdf2.Key([]byte(seed), salt, tokenIterations, tokenKeyBytes, sha512.New)
	return hex.EncodeToString(key), nil
}

// MaskToken keeps only a short prefix of token for logs.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}
