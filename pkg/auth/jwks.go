// Package auth verifies bearer tokens issued by the organisation's identity
// provider and maps them to governance actors.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

// keyCacheTTL bounds how long fetched keys are trusted.
const keyCacheTTL = time.Hour

// Claims are the token claims the engine reads.
type Claims struct {
	jwt.RegisteredClaims
	Email        string   `json:"email,omitempty"`
	Capabilities []string `json:"cgov_capabilities,omitempty"`
}

// Actor converts verified claims into an rbac actor. Unknown capability
// strings are dropped.
func (c *Claims) Actor() rbac.Actor {
	caps := make([]rbac.Capability, 0, len(c.Capabilities))
	for _, s := range c.Capabilities {
		caps = append(caps, rbac.Capability(s))
	}
	return rbac.Actor{ID: c.Subject, Capabilities: rbac.NewCapabilitySet(caps...)}
}

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Verifier verifies RS256 JWTs against a JWKS endpoint.
type Verifier struct {
	issuer     string
	jwksURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	keys   map[string]*rsa.PublicKey
	expiry time.Time
}

// NewVerifier creates a verifier. An empty issuer disables the issuer check.
func NewVerifier(jwksURL, issuer string) *Verifier {
	return &Verifier{
		issuer:     issuer,
		jwksURL:    jwksURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Verify checks the token signature, expiry and issuer and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("missing kid in token header")
	}

	key, err := v.getKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err = jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}

// Authenticate verifies a bearer header value and stores the actor in ctx.
func (v *Verifier) Authenticate(ctx context.Context, authorization string) (context.Context, rbac.Actor, error) {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return ctx, rbac.Actor{}, errors.New("missing bearer token")
	}

	claims, err := v.Verify(ctx, token)
	if err != nil {
		return ctx, rbac.Actor{}, err
	}

	actor := claims.Actor()
	return rbac.WithActor(ctx, actor), actor, nil
}

// getKey retrieves a public key by key ID, fetching the JWKS if needed.
func (v *Verifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	expired := time.Now().After(v.expiry)
	v.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := v.fetchJWKS(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	key, ok = v.keys[kid]
	v.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("key not found: %s", kid)
	}

	return key, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}

	ctx, span := telemetry.HTTPClientSpan(ctx, http.MethodGet, v.jwksURL, req.Header)
	defer func() { span.Finish(err) }()

	resp, err := v.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.Kty != "RSA" {
			continue
		}
		key, err := jwkToRSAPublicKey(jwk)
		if err != nil {
			continue
		}
		keys[jwk.Kid] = key
	}

	v.mu.Lock()
	v.keys = keys
	v.expiry = time.Now().Add(keyCacheTTL)
	v.mu.Unlock()

	return nil
}

func jwkToRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode N: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode E: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
