package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Role identifies the privilege tier of an authenticated caller.
type Role string

const (
	RoleGovernance   Role = "governance"
	RoleAssetManager Role = "asset-manager"
	RoleProvider     Role = "provider"
)

// AuthConfig maps bearer tokens to roles. Provider tokens are paired with
// provider identities positionally.
type AuthConfig struct {
	GovernanceToken      string
	AssetManagerToken    string
	ProviderTokens       []string
	Providers            []string
	AllowUnauthenticated bool
}

// Principal describes an authenticated caller.
type Principal struct {
	Role Role
	// Provider is set for provider principals and names the trusted price
	// provider identity bound to the token.
	Provider string
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from the request
// context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// Authenticator verifies bearer tokens and resolves them to roles.
type Authenticator struct {
	governance   string
	assetManager string
	providers    map[string]string

	allowUnauthenticatedReads bool
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	governance := strings.TrimSpace(cfg.GovernanceToken)
	assetManager := strings.TrimSpace(cfg.AssetManagerToken)
	if governance == "" || assetManager == "" {
		return nil, fmt.Errorf("governance and asset manager tokens must be configured")
	}
	if len(cfg.ProviderTokens) != len(cfg.Providers) {
		return nil, fmt.Errorf("provider tokens must match provider identities one to one")
	}
	providers := make(map[string]string, len(cfg.ProviderTokens))
	for i, token := range cfg.ProviderTokens {
		token = strings.TrimSpace(token)
		identity := strings.ToLower(strings.TrimSpace(cfg.Providers[i]))
		if token == "" || identity == "" {
			return nil, fmt.Errorf("provider token and identity must be non-empty")
		}
		providers[token] = identity
	}
	return &Authenticator{
		governance:                governance,
		assetManager:              assetManager,
		providers:                 providers,
		allowUnauthenticatedReads: cfg.AllowUnauthenticated,
	}, nil
}

// RequireRole enforces that the caller holds one of the listed roles.
// Governance implies asset manager privileges.
func (a *Authenticator) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				http.Error(w, "authentication unavailable", http.StatusInternalServerError)
				return
			}
			principal := a.identify(r)
			if principal == nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			if !principal.allows(roles...) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ReadAccess gates read endpoints: open when unauthenticated reads are
// allowed, otherwise any valid token suffices.
func (a *Authenticator) ReadAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		principal := a.identify(r)
		if principal == nil && !a.allowUnauthenticatedReads {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if principal != nil {
			r = r.WithContext(context.WithValue(r.Context(), principalContextKey{}, principal))
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Principal) allows(roles ...Role) bool {
	for _, role := range roles {
		if p.Role == role {
			return true
		}
		if role == RoleAssetManager && p.Role == RoleGovernance {
			return true
		}
	}
	return false
}

func (a *Authenticator) identify(r *http.Request) *Principal {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil
	}
	provided := []byte(token)
	if subtle.ConstantTimeCompare(provided, []byte(a.governance)) == 1 {
		return &Principal{Role: RoleGovernance}
	}
	if subtle.ConstantTimeCompare(provided, []byte(a.assetManager)) == 1 {
		return &Principal{Role: RoleAssetManager}
	}
	for candidate, identity := range a.providers {
		if subtle.ConstantTimeCompare(provided, []byte(candidate)) == 1 {
			return &Principal{Role: RoleProvider, Provider: identity}
		}
	}
	return nil
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
