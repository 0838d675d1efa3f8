package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAdminScope is the scope an operator token needs for admin routes.
const DefaultAdminScope = "leasecoord:admin"

var (
	// ErrUnauthenticated means the token is missing or invalid.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the token is valid but lacks the required scope.
	ErrForbidden = errors.New("forbidden")
)

// Claims are the token fields admin handlers log and authorize on.
type Claims struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether scope was granted.
func (c Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Validator checks RS256 bearer tokens against issuer, audience and scope.
type Validator struct {
	keys     KeySource
	issuer   string
	audience string
	scope    string
}

// NewValidator creates a Validator. Empty issuer or audience skip that check;
// an empty scope means DefaultAdminScope.
func NewValidator(keys KeySource, issuer, audience, scope string) *Validator {
	if strings.TrimSpace(scope) == "" {
		scope = DefaultAdminScope
	}
	return &Validator{keys: keys, issuer: issuer, audience: audience, scope: scope}
}

// Validate parses token and returns its claims. The error wraps
// ErrUnauthenticated or ErrForbidden.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	mapClaims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, mapClaims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return v.keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	subject, _ := mapClaims.GetSubject()
	claims := &Claims{Subject: subject, Scopes: scopes(mapClaims)}
	if !claims.HasScope(v.scope) {
		return claims, fmt.Errorf("%w: scope %q required", ErrForbidden, v.scope)
	}
	return claims, nil
}

// scopes reads the space separated "scope" claim or a "scp"/"scopes" array.
func scopes(claims jwt.MapClaims) []string {
	var out []string
	if raw, ok := claims["scope"].(string); ok {
		out = append(out, strings.Fields(raw)...)
	}
	for _, key := range []string{"scp", "scopes"} {
		list, ok := claims[key].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// BearerToken extracts the token of an "Authorization: Bearer" header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
