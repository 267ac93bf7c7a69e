// Package auth validates bearer tokens through an ordered authenticator
// chain; the first authenticator that recognizes a token wins.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// ErrUnrecognized means the authenticator does not handle this token and the
// chain should try the next one. Any other error fails the request.
var ErrUnrecognized = errors.New("token not recognized")

// Principal is the authenticated identity extracted from a token.
type Principal struct {
	// Subject is the stable user id, derived from the configured subject
	// claim ("oid" if present, else "sub" by default).
	Subject string
	Name    string
	Email   string
	// Kind is "human" or "application".
	Kind string
	// Roles extracted from the configured role claim, for policy backends.
	Roles []string
}

// Authenticator validates one token format.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// Chain tries authenticators in order.
type Chain struct {
	logger         *logger.Logger
	authenticators []Authenticator
}

func NewChain(log *logger.Logger, authenticators ...Authenticator) *Chain {
	return &Chain{logger: log, authenticators: authenticators}
}

// Authenticate resolves the token, or fails with the last error.
func (c *Chain) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if len(c.authenticators) == 0 {
		return nil, fmt.Errorf("no authenticators configured")
	}
	var lastErr error
	for _, a := range c.authenticators {
		principal, err := a.Authenticate(ctx, token)
		if err == nil {
			return principal, nil
		}
		if errors.Is(err, ErrUnrecognized) {
			continue
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrUnrecognized
	}
	return nil, lastErr
}

// subjectFromClaims applies the subject-claim rule: the configured claim if
// set, otherwise oid-if-present-else-sub.
func subjectFromClaims(claims jwt.MapClaims, configured string) (string, error) {
	if configured != "" {
		if v, ok := claims[configured].(string); ok && v != "" {
			return v, nil
		}
		return "", fmt.Errorf("token has no %q claim", configured)
	}
	if v, ok := claims["oid"].(string); ok && v != "" {
		return "oidc~" + v, nil
	}
	if v, ok := claims["sub"].(string); ok && v != "" {
		return "oidc~" + v, nil
	}
	return "", fmt.Errorf("token has neither oid nor sub claim")
}

// rolesFromClaims walks a dotted claim path ("realm_access.roles") and
// accepts either a string list or a comma-separated string.
func rolesFromClaims(claims jwt.MapClaims, path string) []string {
	if path == "" {
		return nil
	}
	var node interface{} = map[string]interface{}(claims)
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil
		}
		node = m[seg]
	}
	switch v := node.(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		var roles []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		return roles
	default:
		return nil
	}
}

// principalKind classifies the token: client-credential tokens without a
// human marker are applications.
func principalKind(claims jwt.MapClaims) string {
	if _, ok := claims["email"]; ok {
		return "human"
	}
	if name, ok := claims["name"].(string); ok && name != "" {
		return "human"
	}
	return "application"
}
