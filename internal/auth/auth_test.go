package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/sectorwars/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLocalIssuerRoundTrip(t *testing.T) {
	iss, err := NewLocalIssuer(testSecret, "sectorwars", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	tok, err := iss.Issue("user-1", "ripley", true)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := iss.ValidateToken(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "user-1" || claims.Username != "ripley" || !claims.Admin {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestLocalIssuerRejects(t *testing.T) {
	iss, _ := NewLocalIssuer(testSecret, "sectorwars", time.Hour)
	other, _ := NewLocalIssuer("ffffffffffffffffffffffffffffffff", "sectorwars", time.Hour)
	foreign, _ := other.Issue("user-1", "x", false)
	if _, err := iss.ValidateToken(foreign); err == nil {
		t.Fatal("token signed with another secret should be rejected")
	}

	tok, _ := iss.Issue("user-1", "x", false)
	iss.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := iss.ValidateToken(tok); err == nil {
		t.Fatal("expired token should be rejected")
	}

	if _, err := NewLocalIssuer("short", "x", time.Hour); err == nil {
		t.Fatal("short secret should be refused")
	}
}

func TestMiddleware(t *testing.T) {
	iss, _ := NewLocalIssuer(testSecret, "sectorwars", time.Hour)
	tok, _ := iss.Issue("user-7", "dallas", false)

	var seen string
	h := Middleware(iss)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			t.Error("no user in context")
			return
		}
		seen = u.Subject
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		want   int
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }, "/api/profile", http.StatusOK},
		{"missing", func(*http.Request) {}, "/api/profile", http.StatusUnauthorized},
		{"basic", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, "/api/profile", http.StatusUnauthorized},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, "/api/profile", http.StatusUnauthorized},
		{"websocket query", func(r *http.Request) { r.Header.Set("Upgrade", "websocket") }, "/ws?token=" + tok, http.StatusOK},
		{"query without upgrade", func(*http.Request) {}, "/api/profile?token=" + tok, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && seen != "user-7" {
				t.Fatalf("handler saw subject %q", seen)
			}
		})
	}
}

func TestCognitoValidateToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fetches := 0
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(JWKSet{Keys: []JWK{{
			Kty: "RSA",
			Kid: "k1",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer jwks.Close()

	c := NewCognito(config.Cognito{Region: "us-east-1", UserPoolID: "pool", ClientID: "client"})
	c.JWKSEndpoint = jwks.URL

	sign := func(mutate func(*UserClaims)) string {
		claims := UserClaims{
			TokenUse: "access",
			ClientID: "client",
			Username: "kane",
			Groups:   []string{AdminGroup},
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "sub-1",
				Issuer:    "https://cognito-idp.us-east-1.amazonaws.com/pool",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		if mutate != nil {
			mutate(&claims)
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	claims, err := c.ValidateToken(sign(nil))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "sub-1" || !claims.Admin {
		t.Fatalf("claims = %+v", claims)
	}

	bad := map[string]func(*UserClaims){
		"id token":     func(c *UserClaims) { c.TokenUse = "id" },
		"other client": func(c *UserClaims) { c.ClientID = "other" },
		"other pool":   func(c *UserClaims) { c.Issuer = "https://cognito-idp.us-east-1.amazonaws.com/other" },
		"expired":      func(c *UserClaims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) },
	}
	for name, mutate := range bad {
		if _, err := c.ValidateToken(sign(mutate)); err == nil {
			t.Errorf("%s: expected rejection", name)
		}
	}
	if fetches != 1 {
		t.Fatalf("JWKS fetched %d times, want 1 (cached)", fetches)
	}
	if !strings.HasSuffix(NewCognito(config.Cognito{Region: "eu-west-1", UserPoolID: "p"}).JWKSEndpoint, "/p/.well-known/jwks.json") {
		t.Fatal("unexpected JWKS endpoint")
	}
}
