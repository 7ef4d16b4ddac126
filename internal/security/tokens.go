package security

import (
	"crypto"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when an access token is malformed, expired or signed by another key.
var ErrInvalidToken = errors.New("invalid token")

// AccessClaims holds JWT claims for the access token. ID (jti) keys the revocation registry.
type AccessClaims struct {
	jwt.RegisteredClaims
	Device string `json:"device"`
}

// UserID parses the subject claim as a user key.
func (c *AccessClaims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// IssuedAccess is a freshly signed access token.
type IssuedAccess struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// TokenProvider signs and verifies access JWTs with RS256 or ES256.
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	method     jwt.SigningMethod
	issuer     string
	audience   string
	accessTTL  time.Duration
}

// NewTokenProvider returns a TokenProvider for the key pair. The algorithm follows the key type.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	if privateKey == nil {
		return nil, ErrInvalidKey
	}
	if publicKey == nil {
		publicKey = privateKey.Public()
	}
	var method jwt.SigningMethod
	switch KeyAlg(privateKey.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	if KeyAlg(publicKey) != method.Alg() {
		return nil, ErrInvalidKey
	}
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		method:     method,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
	}, nil
}

// NewTokenProviderFromPEM parses the configured key pair (inline PEM or file paths).
// An empty public key is derived from the private key.
func NewTokenProviderFromPEM(privatePEM, publicPEM, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}
	var pub crypto.PublicKey
	if publicPEM != "" {
		if pub, err = ParsePublicKey(publicPEM); err != nil {
			return nil, err
		}
	}
	return NewTokenProvider(priv, pub, issuer, audience, accessTTL)
}

// AccessTTL is the lifetime given to issued access tokens.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// IssueAccess signs an access token for userID on device, valid from now for the access TTL.
func (p *TokenProvider) IssueAccess(userID int64, device string, now time.Time) (IssuedAccess, error) {
	jti, err := uuid.NewRandom()
	if err != nil {
		return IssuedAccess{}, err
	}
	now = now.UTC()
	expiresAt := now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Device: device,
	}
	token, err := jwt.NewWithClaims(p.method, claims).SignedString(p.privateKey)
	if err != nil {
		return IssuedAccess{}, err
	}
	return IssuedAccess{Token: token, ID: jti.String(), ExpiresAt: expiresAt}, nil
}

// ValidateAccess verifies signature, algorithm, exp, iss and aud. Any failure is ErrInvalidToken.
func (p *TokenProvider) ValidateAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return p.publicKey, nil },
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}
