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

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// OIDCConfig configures a single OIDC provider.
type OIDCConfig struct {
	// ProviderURI is the issuer; discovery happens at
	// <issuer>/.well-known/openid-configuration.
	ProviderURI string
	Audience    string
	// SubjectClaim overrides the oid-else-sub default.
	SubjectClaim string
	// RoleClaim is a dotted path into the claims.
	RoleClaim string
}

// OIDC validates RS256 bearer tokens against a provider's JWKS. Keys are
// cached and refreshed when an unknown key id is seen.
type OIDC struct {
	cfg    OIDCConfig
	logger *logger.Logger
	client *http.Client

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	jwksURI     string
	lastRefresh time.Time
}

func NewOIDC(cfg OIDCConfig, log *logger.Logger) *OIDC {
	return &OIDC{
		cfg:    cfg,
		logger: log,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (o *OIDC) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %s", ErrUnrecognized, t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no key id")
		}
		return o.keyForKid(ctx, kid)
	}, jwt.WithIssuer(strings.TrimSuffix(o.cfg.ProviderURI, "/")), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, ErrUnrecognized) {
			return nil, ErrUnrecognized
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	if o.cfg.Audience != "" {
		if err := audienceMatches(claims, o.cfg.Audience); err != nil {
			return nil, err
		}
	}

	subject, err := subjectFromClaims(claims, o.cfg.SubjectClaim)
	if err != nil {
		return nil, err
	}

	name, _ := claims["name"].(string)
	if name == "" {
		name, _ = claims["preferred_username"].(string)
	}
	if name == "" {
		name = subject
	}
	email, _ := claims["email"].(string)

	return &Principal{
		Subject: subject,
		Name:    name,
		Email:   email,
		Kind:    principalKind(claims),
		Roles:   rolesFromClaims(claims, o.cfg.RoleClaim),
	}, nil
}

func audienceMatches(claims jwt.MapClaims, want string) error {
	auds, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("invalid audience claim: %w", err)
	}
	for _, aud := range auds {
		if aud == want {
			return nil
		}
	}
	return fmt.Errorf("token audience does not include %q", want)
}

// keyForKid serves the key from cache, refreshing the JWKS on a miss (at
// most once per 30s to bound provider load).
func (o *OIDC) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	o.mu.RLock()
	key, ok := o.keys[kid]
	last := o.lastRefresh
	o.mu.RUnlock()
	if ok {
		return key, nil
	}
	if time.Since(last) < 30*time.Second {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}

	if err := o.refreshJWKS(ctx); err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if key, ok := o.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (o *OIDC) refreshJWKS(ctx context.Context) error {
	jwksURI, err := o.discoverJWKSURI(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("jwks fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks fetch returned %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("invalid jwks document: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			o.logger.Warnf("Skipping unparseable JWKS key %s: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}

	o.mu.Lock()
	o.keys = keys
	o.lastRefresh = time.Now()
	o.mu.Unlock()
	o.logger.Infof("Refreshed JWKS: %d keys", len(keys))
	return nil
}

func (o *OIDC) discoverJWKSURI(ctx context.Context) (string, error) {
	o.mu.RLock()
	cached := o.jwksURI
	o.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	wellKnown := strings.TrimSuffix(o.cfg.ProviderURI, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery returned %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("invalid discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}

	o.mu.Lock()
	o.jwksURI = doc.JWKSURI
	o.mu.Unlock()
	return doc.JWKSURI, nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

// Static validates HS256 tokens signed with a shared secret. Used for tests
// and single-node deployments without an identity provider.
type Static struct {
	Secret       []byte
	SubjectClaim string
	RoleClaim    string
}

func (s *Static) Authenticate(_ context.Context, token string) (*Principal, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %s", ErrUnrecognized, t.Method.Alg())
		}
		return s.Secret, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), ErrUnrecognized.Error()) {
			return nil, ErrUnrecognized
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	subject, err := subjectFromClaims(claims, s.SubjectClaim)
	if err != nil {
		return nil, err
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = subject
	}
	email, _ := claims["email"].(string)
	return &Principal{
		Subject: subject,
		Name:    name,
		Email:   email,
		Kind:    principalKind(claims),
		Roles:   rolesFromClaims(claims, s.RoleClaim),
	}, nil
}
