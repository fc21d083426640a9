package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/sectorwars/internal/config"
)

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet represents a set of JSON Web Keys
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// AdminGroup is the Cognito group whose members administer the platform.
const AdminGroup = "platform-admins"

const jwksTTL = time.Hour

// Cognito validates access tokens issued by an AWS Cognito user pool.
type Cognito struct {
	Region       string
	UserPoolID   string
	ClientID     string
	JWKSEndpoint string
	HTTPClient   *http.Client

	mu        sync.Mutex
	jwkSet    *JWKSet
	lastFetch time.Time
}

// NewCognito creates a validator for the configured user pool.
func NewCognito(cfg config.Cognito) *Cognito {
	return &Cognito{
		Region:       cfg.Region,
		UserPoolID:   cfg.UserPoolID,
		ClientID:     cfg.ClientID,
		JWKSEndpoint: fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s/.well-known/jwks.json", cfg.Region, cfg.UserPoolID),
		HTTPClient:   http.DefaultClient,
	}
}

func (c *Cognito) issuer() string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}

// fetchJWKS fetches the key set, cached for an hour. Caller holds c.mu.
func (c *Cognito) fetchJWKS() error {
	if c.jwkSet != nil && time.Since(c.lastFetch) < jwksTTL {
		return nil
	}

	resp, err := c.HTTPClient.Get(c.JWKSEndpoint)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch JWKS: status %d", resp.StatusCode)
	}

	var jwkSet JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&jwkSet); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	c.jwkSet = &jwkSet
	c.lastFetch = time.Now()
	return nil
}

func (c *Cognito) publicKey(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fetchJWKS(); err != nil {
		return nil, err
	}

	for _, key := range c.jwkSet.Keys {
		if key.Kid == kid && key.Kty == "RSA" {
			return jwkToRSAPublicKey(key)
		}
	}

	return nil, fmt.Errorf("key with kid %s not found", kid)
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

// ValidateToken validates a Cognito access token.
func (c *Cognito) ValidateToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid not found in token header")
		}
		return c.publicKey(kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(c.issuer()), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token or claims")
	}

	// Access tokens only; ID tokens carry a different audience model.
	if claims.TokenUse != "access" {
		return nil, fmt.Errorf("invalid token use: %s", claims.TokenUse)
	}
	if claims.ClientID != c.ClientID {
		return nil, fmt.Errorf("invalid client ID: %s", claims.ClientID)
	}
	claims.Admin = slices.Contains(claims.Groups, AdminGroup)
	return claims, nil
}
