package security

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims is the subset of a bearer JWT's payload find_tenant acts on (spec
// §4.9: "decode claims {sub, org_id?, org_slug?}").
type Claims struct {
	Subject string
	OrgID   string
	OrgSlug string
}

// JWTVerifier verifies a bearer token and extracts Claims, via either a
// static HS256 secret (teacher's internal/auth idiom, used for
// gateway-issued tokens) or a remote JWKS (kadirpekel-hector's pkg/auth
// idiom, used for externally-issued tokens from an identity provider). Only
// one of the two backing fields is set.
type JWTVerifier struct {
	staticSecret []byte
	jwksCache    *jwk.Cache
	jwksURL      string
}

// NewStaticSecretVerifier builds a JWTVerifier over a fixed HMAC secret.
func NewStaticSecretVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{staticSecret: []byte(secret)}
}

// NewJWKSVerifier builds a JWTVerifier that fetches and auto-refreshes its
// signing keys from jwksURL.
func NewJWKSVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("security: register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("security: fetch jwks from %s: %w", jwksURL, err)
	}
	return &JWTVerifier{jwksCache: cache, jwksURL: jwksURL}, nil
}

// Verify parses and validates token, returning its Claims. Invalid
// signatures, expired tokens, or a missing subject all return ErrInvalidJWT.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	if v.jwksCache != nil {
		return v.verifyJWKS(ctx, token)
	}
	return v.verifyStatic(token)
}

func (v *JWTVerifier) verifyStatic(token string) (Claims, error) {
	type staticClaims struct {
		OrgID   string `json:"org_id,omitempty"`
		OrgSlug string `json:"org_slug,omitempty"`
		jwt.RegisteredClaims
	}

	parsed, err := jwt.ParseWithClaims(token, &staticClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.staticSecret, nil
	})
	if err != nil {
		return Claims{}, ErrInvalidJWT
	}
	claims, ok := parsed.Claims.(*staticClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidJWT
	}
	return Claims{Subject: claims.Subject, OrgID: claims.OrgID, OrgSlug: claims.OrgSlug}, nil
}

func (v *JWTVerifier) verifyJWKS(ctx context.Context, token string) (Claims, error) {
	keyset, err := v.jwksCache.Get(ctx, v.jwksURL)
	if err != nil {
		return Claims{}, fmt.Errorf("security: get jwks: %w", err)
	}
	parsed, err := jwxjwt.Parse([]byte(token), jwxjwt.WithKeySet(keyset), jwxjwt.WithValidate(true))
	if err != nil {
		return Claims{}, ErrInvalidJWT
	}
	if parsed.Subject() == "" {
		return Claims{}, ErrInvalidJWT
	}
	claims := Claims{Subject: parsed.Subject()}
	if v, ok := parsed.Get("org_id"); ok {
		if s, ok := v.(string); ok {
			claims.OrgID = s
		}
	}
	if v, ok := parsed.Get("org_slug"); ok {
		if s, ok := v.(string); ok {
			claims.OrgSlug = s
		}
	}
	return claims, nil
}
