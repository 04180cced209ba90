package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AlgSH256 is the algorithm name the SpatialKey oauth endpoint expects
	// for an HMAC-SHA256 signed assertion.
	AlgSH256 = "SH256"

	// Audience is the fixed aud claim of every assertion.
	Audience = "https://www.spatialkey.com"

	// GrantTypeJWTBearer is the oauth grant used to exchange an assertion.
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

type signingMethodSH256 struct{}

// SigningMethodSH256 signs with HMAC-SHA256 under the SH256 algorithm name.
var SigningMethodSH256 jwt.SigningMethod = signingMethodSH256{}

func init() {
	jwt.RegisterSigningMethod(AlgSH256, func() jwt.SigningMethod { return SigningMethodSH256 })
}

func (signingMethodSH256) Alg() string { return AlgSH256 }

func (signingMethodSH256) Sign(signingString string, key any) ([]byte, error) {
	secret, ok := key.([]byte)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingString))
	return mac.Sum(nil), nil
}

func (m signingMethodSH256) Verify(signingString string, sig []byte, key any) error {
	expected, err := m.Sign(signingString, key)
	if err != nil {
		return err
	}
	if !hmac.Equal(sig, expected) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// Claims are the assertion claims. Times are sent as decimal-string seconds.
type Claims struct {
	Issuer    string // organization api key
	Principal string // user api key
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NewClaims builds the assertion claims for cfg valid for ttl from now.
func NewClaims(cfg AuthConfig, ttl time.Duration, now time.Time) Claims {
	return Claims{
		Issuer:    cfg.OrgAPIKey,
		Principal: cfg.UserAPIKey,
		Audience:  Audience,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// MapClaims renders the claims the way they go on the wire.
func (c Claims) MapClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": c.Issuer,
		"prn": c.Principal,
		"aud": c.Audience,
		"exp": strconv.FormatInt(c.ExpiresAt.Unix(), 10),
		"iat": strconv.FormatInt(c.IssuedAt.Unix(), 10),
	}
}

// Signer turns claims into a compact token signed with secret.
type Signer func(claims Claims, secret string) (string, error)

// Sign produces base64url(header).base64url(claims).base64url(HMAC-SHA256)
// with header exactly {"alg":"SH256"}.
func Sign(claims Claims, secret string) (string, error) {
	token := jwt.NewWithClaims(SigningMethodSH256, claims.MapClaims())
	token.Header = map[string]any{"alg": AlgSH256}
	return token.SignedString([]byte(secret))
}

// Verify checks token's SH256 signature against secret and returns its claims.
// Claim values are not validated; exp and iat are strings on this protocol.
func Verify(token, secret string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgSH256}),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
