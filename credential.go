package mediaq

import (
	"context"
	"time"

	"github.com/UniQw/mediaq/internal/keys"
	"github.com/UniQw/mediaq/internal/transfer"
	"github.com/golang-jwt/jwt/v5"
)

// Credential returns the bearer token for the own backend, or "" for none.
type Credential = transfer.Credential

// StoredCredential reads the access token persisted under key on every call. A token
// that parses as a JWT with an expiry in the past is not sent; opaque tokens are sent as is.
func StoredCredential(kv KeyValue, key string, log Logger) Credential {
	if log == nil {
		log = NewFmtLogger()
	}
	return func(ctx context.Context) (string, error) {
		token, ok, err := kv.Get(ctx, key)
		if err != nil || !ok {
			return "", err
		}
		if expired(token, time.Now()) {
			log.Warnf("credential: stored token expired, sending request without it")
			return "", nil
		}
		return token, nil
	}
}

// NamespaceCredential is StoredCredential reading the token kept for namespace.
func NamespaceCredential(kv KeyValue, namespace string, log Logger) Credential {
	return StoredCredential(kv, keys.For(namespace).Credential, log)
}

// SaveCredential stores token for namespace. An empty token removes it (sign-out).
func SaveCredential(ctx context.Context, kv KeyValue, namespace, token string) error {
	key := keys.For(namespace).Credential
	if token == "" {
		return kv.Remove(ctx, key)
	}
	return kv.Set(ctx, key, token)
}

func expired(token string, now time.Time) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time)
}
