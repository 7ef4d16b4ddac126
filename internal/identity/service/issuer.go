package service

import (
	"context"
	"fmt"
	"time"

	accessdomain "github.com/kunihei/memocrm-docker/internal/accesstoken/domain"
	refreshdomain "github.com/kunihei/memocrm-docker/internal/refreshtoken/domain"
	"github.com/kunihei/memocrm-docker/internal/security"
)

// RequestMeta is best-effort provenance stored with refresh tokens.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// TokenPair is what login and refresh hand back to the client. Plaintexts exist only here.
type TokenPair struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	UserID                int64
	DeviceName            string
	// RefreshTokenID is the sequence ID of the stored refresh record.
	RefreshTokenID int64
}

// TokenIssuer mints access and refresh tokens and records them through the transaction's repositories.
type TokenIssuer struct {
	tokens     *security.TokenProvider
	refreshTTL time.Duration
	secretF    func() (string, error)
}

// NewTokenIssuer returns an issuer signing access tokens with tokens and giving refresh tokens refreshTTL.
func NewTokenIssuer(tokens *security.TokenProvider, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{tokens: tokens, refreshTTL: refreshTTL, secretF: security.GenerateRefreshSecret}
}

// IssueAccessToken signs an access token for userID on device and registers its jti.
func (i *TokenIssuer) IssueAccessToken(ctx context.Context, r Repos, userID int64, device string, now time.Time) (security.IssuedAccess, error) {
	issued, err := i.tokens.IssueAccess(userID, device, now)
	if err != nil {
		return security.IssuedAccess{}, fmt.Errorf("%w: sign access token: %v", ErrIssuance, err)
	}
	err = r.AccessTokens.Create(ctx, &accessdomain.AccessToken{
		ID:         issued.ID,
		OwnerID:    userID,
		DeviceName: device,
		ExpiresAt:  issued.ExpiresAt,
	})
	if err != nil {
		return security.IssuedAccess{}, err
	}
	return issued, nil
}

// IssueRefreshToken creates a refresh record for userID and returns the plaintext secret, which is not stored.
func (i *TokenIssuer) IssueRefreshToken(ctx context.Context, r Repos, userID int64, device string, meta RequestMeta, now time.Time) (string, *refreshdomain.RefreshToken, error) {
	secret, err := i.secretF()
	if err != nil {
		return "", nil, fmt.Errorf("%w: generate refresh secret: %v", ErrIssuance, err)
	}
	rec := &refreshdomain.RefreshToken{
		OwnerID:    userID,
		TokenHash:  security.HashRefreshToken(secret),
		DeviceName: device,
		UserAgent:  meta.UserAgent,
		IPAddress:  meta.IPAddress,
		ExpiresAt:  now.UTC().Add(i.refreshTTL),
	}
	if err := r.RefreshTokens.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return secret, rec, nil
}

// IssuePair issues a refresh token and an access token for the same user and device.
func (i *TokenIssuer) IssuePair(ctx context.Context, r Repos, userID int64, device string, meta RequestMeta, now time.Time) (*TokenPair, error) {
	secret, rec, err := i.IssueRefreshToken(ctx, r, userID, device, meta, now)
	if err != nil {
		return nil, err
	}
	access, err := i.IssueAccessToken(ctx, r, userID, device, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:           access.Token,
		AccessTokenExpiresAt:  access.ExpiresAt,
		RefreshToken:          secret,
		RefreshTokenExpiresAt: rec.ExpiresAt,
		UserID:                userID,
		DeviceName:            device,
		RefreshTokenID:        rec.SequenceID,
	}, nil
}

// Tokens exposes the signer for bearer validation.
func (i *TokenIssuer) Tokens() *security.TokenProvider { return i.tokens }
