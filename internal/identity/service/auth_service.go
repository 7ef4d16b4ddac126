package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/kunihei/memocrm-docker/internal/db"
	"github.com/kunihei/memocrm-docker/internal/policy/engine"
	refreshdomain "github.com/kunihei/memocrm-docker/internal/refreshtoken/domain"
	"github.com/kunihei/memocrm-docker/internal/security"
	"github.com/kunihei/memocrm-docker/internal/telemetry"
	eventdomain "github.com/kunihei/memocrm-docker/internal/telemetry/domain"
	userdomain "github.com/kunihei/memocrm-docker/internal/user/domain"
)

// Principal is the caller behind a verified access token.
type Principal struct {
	UserID     int64
	TokenID    string
	DeviceName string
}

// Config tunes the auth service. Zero values fall back to defaults.
type Config struct {
	// DefaultDeviceName labels tokens when the client names no device.
	DefaultDeviceName string
	// TxMaxAttempts bounds attempts of a transaction failing with lock or serialization errors.
	TxMaxAttempts int
	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration
}

// AuthService implements login, refresh-token rotation, logout and bearer authentication.
type AuthService struct {
	store   Store
	hasher  *security.Hasher
	issuer  *TokenIssuer
	policy  engine.Evaluator
	events  telemetry.EventEmitter
	metrics *telemetry.Metrics
	logger  *zap.Logger
	cfg     Config
	nowF    func() time.Time
}

// NewAuthService returns an AuthService with the given dependencies. policy, events, metrics and logger may be nil.
func NewAuthService(
	store Store,
	hasher *security.Hasher,
	issuer *TokenIssuer,
	policy engine.Evaluator,
	events telemetry.EventEmitter,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
	cfg Config,
) *AuthService {
	if policy == nil {
		policy = engine.Static{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultDeviceName == "" {
		cfg.DefaultDeviceName = refreshdomain.DefaultDeviceName
	}
	if cfg.TxMaxAttempts <= 0 {
		cfg.TxMaxAttempts = 1
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 25 * time.Millisecond
	}
	return &AuthService{
		store:   store,
		hasher:  hasher,
		issuer:  issuer,
		policy:  policy,
		events:  events,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		nowF:    time.Now,
	}
}

// Login verifies credentials and issues a token pair for deviceName.
// Unknown email and wrong password both return ErrInvalidCredentials after the same bcrypt work.
func (s *AuthService) Login(ctx context.Context, email, password, deviceName string, meta RequestMeta) (*TokenPair, error) {
	email = userdomain.NormalizeEmail(email)
	verr := &ValidationError{}
	if email == "" {
		verr.Add("email", "The email field is required.")
	}
	if password == "" {
		verr.Add("password", "The password field is required.")
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	device := s.deviceName(deviceName)

	user, err := s.store.Repos().Users.GetByEmail(ctx, email)
	if err != nil {
		s.logger.Error("login: user lookup failed", zap.Error(err))
		return nil, classify(err)
	}
	if user == nil {
		s.hasher.CompareDummy(password)
		s.emitFailure(eventdomain.EventLoginFailed, 0, device, meta, "unknown_email")
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		s.emitFailure(eventdomain.EventLoginFailed, user.ID, device, meta, "password_mismatch")
		return nil, ErrInvalidCredentials
	}

	decision, err := s.policy.EvaluateLogin(ctx, engine.SessionInput{UserID: user.ID, DeviceName: device})
	if err != nil {
		s.logger.Warn("login: session policy failed, keeping prior sessions", zap.Error(err))
	}

	var pair *TokenPair
	var revoked int64
	err = s.runTx(ctx, "login", func(r Repos) error {
		now := s.now()
		revoked = 0
		if decision.RevokePriorDeviceTokens {
			// Concurrent single-session logins queue on the user row, so the last one leaves the only active pair.
			locked, err := r.Users.GetByIDForUpdate(ctx, user.ID)
			if err != nil {
				return err
			}
			if locked == nil {
				return ErrInvalidCredentials
			}
			n, err := r.RefreshTokens.RevokeActive(ctx, user.ID, device, now)
			if err != nil {
				return err
			}
			if _, err := r.AccessTokens.RevokeActive(ctx, user.ID, device, now); err != nil {
				return err
			}
			revoked = n
		}
		var err error
		pair, err = s.issuer.IssuePair(ctx, r, user.ID, device, meta, now)
		return err
	})
	if err != nil {
		s.logFailure("login", err)
		return nil, err
	}

	ev := s.event(eventdomain.EventLoginSucceeded, user.ID, device, meta)
	ev.Count = revoked
	telemetry.EmitAsync(s.events, ev, s.logger)
	return pair, nil
}

// Refresh rotates an active refresh token: the presented row is revoked and linked to a new one, and a new
// access token is issued, all in one transaction. New tokens are bound to deviceName, not the old row's device.
// Any token that is unknown, expired, revoked, or whose owner is gone yields ErrInvalidRefreshToken.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, deviceName string, meta RequestMeta) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, NewValidationError("refresh_token", "The refresh token field is required.")
	}
	device := s.deviceName(deviceName)
	hash := security.HashRefreshToken(refreshToken)

	var (
		pair   *TokenPair
		replay *refreshdomain.RefreshToken
	)
	err := s.runTx(ctx, "refresh", func(r Repos) error {
		replay = nil
		current, err := r.RefreshTokens.GetByHashForUpdate(ctx, hash)
		if err != nil {
			return err
		}
		now := s.now()
		if current == nil {
			return ErrInvalidRefreshToken
		}
		if !current.IsActive(now) {
			if current.IsSuperseded() {
				replay = current
			}
			return ErrInvalidRefreshToken
		}
		owner, err := r.Users.GetByID(ctx, current.OwnerID)
		if err != nil {
			return err
		}
		if owner == nil {
			return ErrInvalidRefreshToken
		}

		secret, next, err := s.issuer.IssueRefreshToken(ctx, r, owner.ID, device, meta, now)
		if err != nil {
			return err
		}
		if err := r.RefreshTokens.MarkRotated(ctx, current.SequenceID, now, next.SequenceID); err != nil {
			return err
		}
		access, err := s.issuer.IssueAccessToken(ctx, r, owner.ID, device, now)
		if err != nil {
			return err
		}
		pair = &TokenPair{
			AccessToken:           access.Token,
			AccessTokenExpiresAt:  access.ExpiresAt,
			RefreshToken:          secret,
			RefreshTokenExpiresAt: next.ExpiresAt,
			UserID:                owner.ID,
			DeviceName:            device,
			RefreshTokenID:        next.SequenceID,
		}
		return nil
	})
	if err != nil {
		if replay != nil {
			s.logger.Warn("refresh: superseded token presented",
				zap.Int64("user_id", replay.OwnerID),
				zap.Int64("sequence_id", replay.SequenceID),
				zap.Int64p("replaced_by_id", replay.ReplacedByID),
				zap.String("fingerprint", security.RefreshTokenFingerprint(refreshToken)))
			ev := s.event(eventdomain.EventRefreshReplay, replay.OwnerID, device, meta)
			ev.Fingerprint = security.RefreshTokenFingerprint(refreshToken)
			telemetry.EmitAsync(s.events, ev, s.logger)
		} else if errors.Is(err, ErrInvalidRefreshToken) {
			s.emitFailure(eventdomain.EventRefreshFailed, 0, device, meta, "invalid_token")
		}
		s.logFailure("refresh", err)
		return nil, err
	}

	telemetry.EmitAsync(s.events, s.event(eventdomain.EventRefreshSucceeded, pair.UserID, device, meta), s.logger)
	return pair, nil
}

// RevokeSession revokes the caller's refresh tokens and access tokens on deviceName, or on every device
// when allDevices is set, plus the access token used for this call. An empty deviceName means the
// device the access token was issued to. Revoking an already revoked scope succeeds.
// Returns the number of refresh tokens revoked.
func (s *AuthService) RevokeSession(ctx context.Context, p Principal, deviceName string, allDevices bool) (int64, error) {
	scope := strings.TrimSpace(deviceName)
	if scope == "" {
		scope = p.DeviceName
	}
	scope = s.deviceName(scope)
	if allDevices {
		scope = ""
	}

	var revoked int64
	err := s.runTx(ctx, "logout", func(r Repos) error {
		now := s.now()
		n, err := r.RefreshTokens.RevokeActive(ctx, p.UserID, scope, now)
		if err != nil {
			return err
		}
		if _, err := r.AccessTokens.RevokeActive(ctx, p.UserID, scope, now); err != nil {
			return err
		}
		if p.TokenID != "" {
			if err := r.AccessTokens.RevokeByID(ctx, p.TokenID, now); err != nil {
				return err
			}
		}
		revoked = n
		return nil
	})
	if err != nil {
		s.logFailure("logout", err)
		return 0, err
	}

	ev := s.event(eventdomain.EventLogout, p.UserID, scope, RequestMeta{})
	ev.Count = revoked
	if allDevices {
		ev.Reason = "all_devices"
	}
	telemetry.EmitAsync(s.events, ev, s.logger)
	return revoked, nil
}

// Me returns the caller's user record. No locks are taken.
func (s *AuthService) Me(ctx context.Context, p Principal) (*userdomain.User, error) {
	u, err := s.store.Repos().Users.GetByID(ctx, p.UserID)
	if err != nil {
		return nil, classify(err)
	}
	if u == nil {
		return nil, ErrUnauthenticated
	}
	return u, nil
}

// Authenticate verifies a bearer access token: signature and expiry, then that its registry entry is
// still active and belongs to the subject.
func (s *AuthService) Authenticate(ctx context.Context, bearer string) (Principal, error) {
	claims, err := s.issuer.Tokens().ValidateAccess(bearer)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	userID, err := claims.UserID()
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	entry, err := s.store.Repos().AccessTokens.GetByID(ctx, claims.ID)
	if err != nil {
		return Principal{}, classify(err)
	}
	if entry == nil || entry.OwnerID != userID || !entry.IsActive(s.now()) {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{UserID: userID, TokenID: claims.ID, DeviceName: entry.DeviceName}, nil
}

// runTx runs fn in a transaction, retrying the whole transaction with exponential backoff while the
// store reports lock timeouts, serialization failures or deadlocks.
func (s *AuthService) runTx(ctx context.Context, op string, fn func(r Repos) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			s.metrics.RecordTxRetry(ctx, op)
		}
		err := s.store.InTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if db.IsRetriable(err) && ctx.Err() == nil {
			s.logger.Warn("transaction contended",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(uint(s.cfg.TxMaxAttempts)),
	)
	return classify(err)
}

func (s *AuthService) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = 8 * s.cfg.RetryInitialInterval
	return b
}

func (s *AuthService) deviceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = s.cfg.DefaultDeviceName
	}
	return refreshdomain.DeviceName(name)
}

func (s *AuthService) now() time.Time {
	return s.nowF().UTC()
}

func (s *AuthService) logFailure(op string, err error) {
	switch {
	case errors.Is(err, ErrIssuance):
		s.logger.Error(op+": token issuance failed", zap.Error(err))
	case errors.Is(err, ErrRetriable):
		s.logger.Error(op+": transaction failed", zap.Error(err))
	}
}

func (s *AuthService) event(t eventdomain.EventType, userID int64, device string, meta RequestMeta) *eventdomain.AuthEvent {
	ev := eventdomain.NewAuthEvent(t)
	ev.UserID = userID
	ev.DeviceName = device
	ev.IPAddress = meta.IPAddress
	return ev
}

func (s *AuthService) emitFailure(t eventdomain.EventType, userID int64, device string, meta RequestMeta, reason string) {
	ev := s.event(t, userID, device, meta)
	ev.Reason = reason
	telemetry.EmitAsync(s.events, ev, s.logger)
}
