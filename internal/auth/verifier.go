// Package auth verifies bearer tokens and maps callers to roles.
package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"dgmonitor/internal/config"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier validates JWTs and extracts user and role claims.
// Modes: dev (token is "user:role", no signature), hmac (HS256), jwks (RS256 from a JWKS URL).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	JWKSURL    string
	UserClaim  string
	RoleClaim  string

	http      *http.Client
	mu        sync.RWMutex
	jwks      jwks
	lastFetch time.Time
	cacheTTL  time.Duration
	now       func() time.Time
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

func NewVerifier(cfg config.Config) *Verifier {
	mode := strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		Mode:       mode,
		HMACSecret: []byte(cfg.AuthHMACSecret),
		JWKSURL:    cfg.AuthJWKSURL,
		UserClaim:  or(cfg.AuthUserClaim, "sub"),
		RoleClaim:  or(cfg.AuthRoleClaim, "role"),
		http:       &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   10 * time.Minute,
		now:        time.Now,
	}
}

func or(v, d string) string {
	if v != "" {
		return v
	}
	return d
}

// Dev reports whether unsigned tokens and identity headers are accepted.
func (v *Verifier) Dev() bool { return v.Mode == "dev" }

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Dev() {
		user, role, ok := strings.Cut(token, ":")
		if !ok || user == "" {
			return Principal{}, fmt.Errorf("%w: expected user:role dev token", ErrUnauthenticated)
		}
		return Principal{UserID: user, Role: ParseRole(role)}, nil
	}
	t, err := parseJWT(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if err := v.verifySignature(t); err != nil {
		return Principal{}, err
	}
	now := v.now().Unix()
	if exp, ok := t.claims["exp"].(float64); ok && now >= int64(exp) {
		return Principal{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}
	if nbf, ok := t.claims["nbf"].(float64); ok && now < int64(nbf) {
		return Principal{}, fmt.Errorf("%w: token not yet valid", ErrUnauthenticated)
	}
	user, _ := t.claims[v.UserClaim].(string)
	if user == "" {
		return Principal{}, fmt.Errorf("%w: missing %s claim", ErrUnauthenticated, v.UserClaim)
	}
	role, _ := t.claims[v.RoleClaim].(string)
	return Principal{UserID: user, Role: ParseRole(role)}, nil
}

type jwt struct {
	alg, kid     string
	claims       map[string]any
	signingInput []byte
	sig          []byte
}

func parseJWT(token string) (jwt, error) {
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return jwt{}, errors.New("malformed JWT")
	}
	var parts [3][]byte
	for i, seg := range segs {
		b, err := base64.RawURLEncoding.DecodeString(seg)
		if err != nil {
			return jwt{}, fmt.Errorf("segment %d: %w", i, err)
		}
		parts[i] = b
	}
	var hdr struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(parts[0], &hdr); err != nil {
		return jwt{}, fmt.Errorf("header: %w", err)
	}
	t := jwt{alg: hdr.Alg, kid: hdr.Kid, signingInput: []byte(segs[0] + "." + segs[1]), sig: parts[2]}
	if err := json.Unmarshal(parts[1], &t.claims); err != nil {
		return jwt{}, fmt.Errorf("claims: %w", err)
	}
	return t, nil
}

func (v *Verifier) verifySignature(t jwt) error {
	switch v.Mode {
	case "hmac":
		if t.alg != "HS256" {
			return fmt.Errorf("%w: unsupported alg %s", ErrUnauthenticated, t.alg)
		}
		mac := hmac.New(sha256.New, v.HMACSecret)
		mac.Write(t.signingInput)
		if !hmac.Equal(mac.Sum(nil), t.sig) {
			return fmt.Errorf("%w: bad signature", ErrUnauthenticated)
		}
	case "jwks":
		if t.alg != "RS256" {
			return fmt.Errorf("%w: unsupported alg %s", ErrUnauthenticated, t.alg)
		}
		pub, err := v.rsaKey(t.kid)
		if err != nil {
			return err
		}
		h := sha256.Sum256(t.signingInput)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], t.sig); err != nil {
			return fmt.Errorf("%w: bad signature", ErrUnauthenticated)
		}
	default:
		return fmt.Errorf("unsupported auth mode %q", v.Mode)
	}
	return nil
}

// rsaKey returns the JWKS key for kid. An unknown kid forces one refetch so rotated
// keys are picked up before the cache expires.
func (v *Verifier) rsaKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.jwks
	stale := v.now().Sub(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	fetched := false
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		fetched = true
	}
	for {
		v.mu.RLock()
		cached = v.jwks
		v.mu.RUnlock()
		if k, ok := cached.find(kid); ok {
			return k.publicKey()
		}
		if fetched {
			return nil, fmt.Errorf("%w: kid %q not in JWKS", ErrUnauthenticated, kid)
		}
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		fetched = true
	}
}

func (j jwks) find(kid string) (jwk, bool) {
	for _, k := range j.Keys {
		if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
			return k, true
		}
	}
	return jwk{}, false
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwk %s modulus: %w", k.Kid, err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwk %s exponent: %w", k.Kid, err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}

func (v *Verifier) fetchJWKS() error {
	if v.JWKSURL == "" {
		return errors.New("AUTH_JWKS_URL not set")
	}
	resp, err := v.http.Get(v.JWKSURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var j jwks
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.jwks = j
	v.lastFetch = v.now()
	v.mu.Unlock()
	return nil
}
