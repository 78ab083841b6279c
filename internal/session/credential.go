package session

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the login payload encoded in the onboarding QR code.
type Credential struct {
	Endpoint string `json:"endpoint"`
	Code     string `json:"code"`

	// User optionally names the rep; the server's entity id is used otherwise.
	User string `json:"user,omitempty"`
}

// ParseCredential decodes a scanned credential payload.
func ParseCredential(payload []byte) (Credential, error) {
	var c Credential
	if err := json.Unmarshal(payload, &c); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Code = strings.TrimSpace(c.Code)
	c.User = strings.TrimSpace(c.User)
	if err := c.Validate(); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// Validate checks that the credential names an http(s) endpoint and a code.
func (c Credential) Validate() error {
	if c.Code == "" {
		return fmt.Errorf("%w: missing code", ErrInvalidCredential)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: bad endpoint %q", ErrInvalidCredential, c.Endpoint)
	}
	return nil
}

// ConfigClaims is the company configuration carried in the signed blob.
type ConfigClaims struct {
	CompanyName string `json:"company_name"`
	TaxID       string `json:"tax_id,omitempty"`
	Address     string `json:"address,omitempty"`
	Logo        string `json:"logo,omitempty"`
	jwt.RegisteredClaims
}

// SignConfig signs claims with HS256.
func SignConfig(claims ConfigClaims, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseConfig decodes a configuration blob. With a secret the HS256
// signature and expiry are verified; without one the claims are read as is.
func ParseConfig(token, secret string) (*ConfigClaims, error) {
	claims := &ConfigClaims{}

	if secret == "" {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigSignature, err)
		}
		return claims, nil
	}

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigSignature, err)
	}
	return claims, nil
}
