/**
 * @description
 * HTTP middleware: JWT authentication for collector-facing routes and a
 * shared-key guard for the internal planner/finance surface.
 *
 * Collector tokens are RS256 JWTs from the platform identity provider; the
 * `sub` claim is the collector id. Signing keys come from the provider's JWKS
 * endpoint and are cached in-process with a short TTL so key rotation is
 * picked up without a restart.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const collectorIDKey contextKey = "collectorID"

// GetCollectorID returns the authenticated collector id stashed by
// AuthMiddleware.
func GetCollectorID(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(collectorIDKey).(string)
	return subject, ok
}

// AuthMiddleware validates bearer JWTs and puts the token subject on the
// request context as the collector id. Audience and issuer are enforced only
// when configured.
func AuthMiddleware(jwksURL, audience, issuer string) func(http.Handler) http.Handler {
	keys := &jwksCache{url: jwksURL, ttl: 5 * time.Minute}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, keys.keyfunc)
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}
			if err := requireAudience(claims, audience); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if err := requireIssuer(claims, issuer); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			subject, ok := claims["sub"].(string)
			if !ok || subject == "" {
				http.Error(w, "token has no subject", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), collectorIDKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		return "", false
	}
	return token, true
}

// requireAudience enforces audience membership when an expected value is
// configured. RFC 7519 allows aud to be a single string or an array; the
// jwt/v5 getter normalizes both.
func requireAudience(claims jwt.MapClaims, expected string) error {
	if expected == "" {
		return nil
	}
	audiences, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("invalid aud claim")
	}
	for _, aud := range audiences {
		if aud == expected {
			return nil
		}
	}
	return fmt.Errorf("invalid aud claim")
}

func requireIssuer(claims jwt.MapClaims, expected string) error {
	if expected == "" {
		return nil
	}
	if issuer, err := claims.GetIssuer(); err != nil || issuer != expected {
		return fmt.Errorf("invalid iss claim")
	}
	return nil
}

// InternalAPIKeyMiddleware guards service-to-service endpoints with a shared
// key carried in the X-Internal-Api-Key header. An unset key disables the
// internal surface rather than leaving it open.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				http.Error(w, "internal API disabled", http.StatusServiceUnavailable)
				return
			}
			provided := strings.TrimSpace(r.Header.Get("X-Internal-Api-Key"))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "invalid internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// jwksCache fetches and caches the provider's RSA signing keys by kid.
type jwksCache struct {
	url string
	ttl time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func (c *jwksCache) keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token has no kid header")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return key, nil
	}
	if err := c.refreshLocked(); err != nil {
		return nil, err
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing key for kid %s", kid)
	}
	return key, nil
}

func (c *jwksCache) refreshLocked() error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(c.url)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			return err
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}
