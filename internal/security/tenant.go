package security

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nexushq/gateway/internal/apierr"
	"github.com/nexushq/gateway/internal/storage"
)

// ErrInvalidJWT is returned by JWTVerifier.Verify for a token that fails
// signature verification, has expired, or carries no subject.
var ErrInvalidJWT = errors.New("security: invalid jwt")

// TenantResolver implements find_tenant (spec §4.9) against a
// storage.RelationalRepo and a JWTVerifier.
type TenantResolver struct {
	repo            storage.RelationalRepo
	jwt             *JWTVerifier
	noTenantAllowed bool
	log             *slog.Logger
}

// NewTenantResolver builds a TenantResolver. noTenantAllowed mirrors the
// NO_TENANT_ALLOWED environment variable (spec §6): when true, requests with
// no Authorization header resolve to the synthetic tenant instead of being
// rejected.
func NewTenantResolver(repo storage.RelationalRepo, jwtVerifier *JWTVerifier, noTenantAllowed bool, log *slog.Logger) *TenantResolver {
	if log == nil {
		log = slog.Default()
	}
	return &TenantResolver{repo: repo, jwt: jwtVerifier, noTenantAllowed: noTenantAllowed, log: log}
}

// FindTenant resolves the tenant that authorizationHeader authenticates as
// (spec §4.9):
//   - empty/missing: only accepted when NO_TENANT_ALLOWED, resolves to the
//     synthetic tenant.
//   - "Bearer aai-...": looked up by hashed API key; unknown key ->
//     InvalidToken("Invalid API key").
//   - any other bearer: verified as a JWT; org_id present -> get-or-create by
//     org, else get-or-create by owner (the claim's subject).
func (r *TenantResolver) FindTenant(ctx context.Context, authorizationHeader string) (storage.Tenant, error) {
	header := strings.TrimSpace(authorizationHeader)
	if header == "" {
		if !r.noTenantAllowed {
			return storage.Tenant{}, apierr.InvalidToken("missing authorization header")
		}
		return r.repo.SyntheticTenant(ctx)
	}

	token, ok := bearerToken(header)
	if !ok {
		return storage.Tenant{}, apierr.InvalidToken("authorization header must use the Bearer scheme")
	}

	if IsAPIKey(token) {
		tenant, err := r.repo.TenantForAPIKeyHash(ctx, HashAPIKey(token))
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Tenant{}, apierr.InvalidToken("Invalid API key")
		}
		if err != nil {
			return storage.Tenant{}, err
		}
		return tenant, nil
	}

	if r.jwt == nil {
		return storage.Tenant{}, apierr.InvalidToken("JWT verification is not configured")
	}
	claims, err := r.jwt.Verify(ctx, token)
	if err != nil {
		r.log.WarnContext(ctx, "security: jwt verification failed", "error", err)
		return storage.Tenant{}, apierr.InvalidToken("invalid token")
	}
	if claims.Subject == "" {
		return storage.Tenant{}, apierr.InvalidToken("invalid token claims")
	}

	if claims.OrgID != "" {
		return r.repo.GetOrCreateTenantByOrg(ctx, claims.OrgID, claims.OrgSlug)
	}
	return r.repo.GetOrCreateTenantByOwner(ctx, claims.Subject)
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
