package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dgmonitor/internal/config"
)

func b64(v any) string {
	b, _ := json.Marshal(v)
	return base64.RawURLEncoding.EncodeToString(b)
}

func hs256(secret string, claims map[string]any) string {
	in := b64(map[string]string{"alg": "HS256", "typ": "JWT"}) + "." + b64(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(in))
	return in + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestDevTokens(t *testing.T) {
	v := NewVerifier(config.Config{})
	p, err := v.Verify("drv-7:Driver")
	if err != nil || p.UserID != "drv-7" || p.Role != RoleDriver {
		t.Fatalf("principal = %+v, %v", p, err)
	}
	if _, err := v.Verify("nobody"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v", err)
	}
	if p, _ := v.Verify("u:superuser"); p.Role != RoleViewer {
		t.Fatalf("unknown role mapped to %s", p.Role)
	}
}

func TestHMACTokens(t *testing.T) {
	v := NewVerifier(config.Config{AuthMode: "hmac", AuthHMACSecret: "s3cret"})
	v.now = func() time.Time { return time.Unix(1_000, 0) }

	p, err := v.Verify(hs256("s3cret", map[string]any{"sub": "disp-1", "role": "dispatcher", "exp": 2_000}))
	if err != nil || p.UserID != "disp-1" || p.Role != RoleDispatcher {
		t.Fatalf("principal = %+v, %v", p, err)
	}
	cases := map[string]string{
		"wrong secret": hs256("other", map[string]any{"sub": "x"}),
		"expired":      hs256("s3cret", map[string]any{"sub": "x", "exp": 999}),
		"no subject":   hs256("s3cret", map[string]any{"role": "admin"}),
		"malformed":    "a.b",
	}
	for name, tok := range cases {
		if _, err := v.Verify(tok); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestJWKSTokens(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks{Keys: []jwk{{
			Kty: "RSA", Kid: "k1", Alg: "RS256",
			N: base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	in := b64(map[string]string{"alg": "RS256", "kid": "k1"}) + "." + b64(map[string]any{"sub": "adm", "role": "admin"})
	h := sha256.Sum256([]byte(in))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	if err != nil {
		t.Fatal(err)
	}
	v := NewVerifier(config.Config{AuthMode: "jwks", AuthJWKSURL: srv.URL})
	p, err := v.Verify(in + "." + base64.RawURLEncoding.EncodeToString(sig))
	if err != nil || p.Role != RoleAdmin || p.UserID != "adm" {
		t.Fatalf("principal = %+v, %v", p, err)
	}
}

func TestRolePermissions(t *testing.T) {
	if !RoleDriver.Permissions().ActivateEmergency || RoleDriver.Permissions().ManageZones {
		t.Fatal("driver permissions")
	}
	if RoleViewer.Permissions().SubmitTelemetry || !RoleViewer.Permissions().ViewSessions {
		t.Fatal("viewer permissions")
	}
	if !RoleAdmin.Permissions().AdminAlerts || RoleDispatcher.Permissions().AdminAlerts {
		t.Fatal("admin alert permissions")
	}
}
