package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/StricklySoft/stricklysoft-gatekeeper/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

const (
	DefaultRefreshTTL           = 7 * 24 * time.Hour
	DefaultRememberMeRefreshTTL = 30 * 24 * time.Hour
)

// ServiceConfig configures refresh token lifetimes.
type ServiceConfig struct {
	RefreshTTL           time.Duration `env:"REFRESH_TTL" envDefault:"168h" json:"refresh_ttl" yaml:"refresh_ttl"`
	RememberMeRefreshTTL time.Duration `env:"REMEMBER_ME_REFRESH_TTL" envDefault:"720h" json:"remember_me_refresh_ttl" yaml:"remember_me_refresh_ttl"`
}

// Validate fills zero values with defaults and rejects negative lifetimes.
func (c *ServiceConfig) Validate() error {
	if c.RefreshTTL == 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	if c.RememberMeRefreshTTL == 0 {
		c.RememberMeRefreshTTL = DefaultRememberMeRefreshTTL
	}
	if c.RefreshTTL < 0 || c.RememberMeRefreshTTL < 0 {
		return sserr.New(sserr.CodeValidationRange, "session: refresh ttl must be positive")
	}
	return nil
}

// LoginOptions modify a Login.
type LoginOptions struct {
	// RememberMe selects the longer refresh token lifetime.
	RememberMe bool
}

// TokenPair is the result of Login and Refresh.
type TokenPair struct {
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	TokenType             string    `json:"token_type"`
}

// Service runs the session lifecycle: login, refresh, logout and
// logout-all. Credential checks happen before Login is called.
type Service struct {
	issuer    *auth.Issuer
	validator *auth.EdgeTokenValidator
	store     RefreshTokenStore
	blacklist TokenBlacklist
	users     UserDirectory
	cfg       ServiceConfig
	opts      options
}

// NewService wires a Service. validator must accept the tokens issuer
// signs; Logout uses it to learn the owner and expiry of an access token.
func NewService(
	issuer *auth.Issuer,
	validator *auth.EdgeTokenValidator,
	store RefreshTokenStore,
	blacklist TokenBlacklist,
	users UserDirectory,
	cfg ServiceConfig,
	opts ...Option,
) (*Service, error) {
	if issuer == nil || validator == nil || store == nil || blacklist == nil || users == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "session: service dependencies are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		issuer:    issuer,
		validator: validator,
		store:     store,
		blacklist: blacklist,
		users:     users,
		cfg:       cfg,
		opts:      newOptions(opts),
	}, nil
}

// Login issues an access token and a refresh token for userID.
func (s *Service) Login(ctx context.Context, userID string, lo LoginOptions) (_ *TokenPair, err error) {
	ctx, span := s.opts.startSpan(ctx, "session.Login")
	defer func() { finishSpan(span, err) }()

	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ttl := s.cfg.RefreshTTL
	if lo.RememberMe {
		ttl = s.cfg.RememberMeRefreshTTL
	}
	rt, err := s.store.Create(ctx, user.ID, ttl)
	if err != nil {
		return nil, err
	}
	return s.pair(user, rt)
}

// Refresh exchanges refreshToken for a new pair. The presented token is
// revoked atomically; its successor keeps the original lifetime. Roles
// are reloaded so a changed account takes effect at the next refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (_ *TokenPair, err error) {
	ctx, span := s.opts.startSpan(ctx, "session.Refresh")
	defer func() {
		s.opts.metrics.RefreshRotation(err)
		finishSpan(span, err)
	}()

	current, err := s.store.Lookup(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	next, err := s.store.Rotate(ctx, refreshToken, current.ExpiresAt.Sub(current.CreatedAt))
	if err != nil {
		if sserr.HasCode(err, sserr.CodeRefreshTokenRevoked) {
			slog.WarnContext(ctx, "session: refresh token reused", "token_id", current.ID, "user_id", current.UserID)
		}
		return nil, err
	}

	user, err := s.activeUser(ctx, next.UserID)
	if err != nil {
		if rerr := s.store.RevokeID(ctx, next.ID); rerr != nil {
			slog.WarnContext(ctx, "session: failed to revoke refresh token of inactive user",
				"token_id", next.ID, "error", rerr)
		}
		return nil, err
	}
	return s.pair(user, next)
}

// Logout blacklists accessToken and revokes the most recent active
// refresh token of its owner.
func (s *Service) Logout(ctx context.Context, accessToken string) (err error) {
	ctx, span := s.opts.startSpan(ctx, "session.Logout")
	defer func() { finishSpan(span, err) }()

	id, err := s.revokeAccess(ctx, accessToken)
	if err != nil {
		return err
	}
	active, err := s.store.ListActive(ctx, id.SubjectID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	return s.store.RevokeID(ctx, active[0].ID)
}

// LogoutAll blacklists accessToken and revokes every active refresh token
// of its owner. It returns the number of refresh tokens revoked.
func (s *Service) LogoutAll(ctx context.Context, accessToken string) (_ int, err error) {
	ctx, span := s.opts.startSpan(ctx, "session.LogoutAll")
	defer func() { finishSpan(span, err) }()

	id, err := s.revokeAccess(ctx, accessToken)
	if err != nil {
		return 0, err
	}
	return s.store.RevokeAll(ctx, id.SubjectID)
}

// ActiveSessions lists the user's active refresh tokens, newest first.
func (s *Service) ActiveSessions(ctx context.Context, userID string) ([]RefreshToken, error) {
	return s.store.ListActive(ctx, userID)
}

// Revoked reports whether accessToken was blacklisted by a logout.
func (s *Service) Revoked(ctx context.Context, accessToken string) (bool, error) {
	return s.blacklist.Contains(ctx, accessToken)
}

// identify validates accessToken and rejects it when blacklisted.
func (s *Service) identify(ctx context.Context, accessToken string) (*auth.ExternalIdentity, error) {
	id, err := s.validator.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	revoked, err := s.blacklist.Contains(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, sserr.New(sserr.CodeCredentialRevoked, "access token has been revoked")
	}
	return id, nil
}

func (s *Service) revokeAccess(ctx context.Context, accessToken string) (*auth.ExternalIdentity, error) {
	id, err := s.identify(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if err := s.blacklist.Add(ctx, accessToken, id.ExpiresAt); err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Service) activeUser(ctx context.Context, userID string) (User, error) {
	user, err := s.users.FindUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if !user.Active {
		return User{}, sserr.Forbidden("account is disabled")
	}
	return user, nil
}

func (s *Service) pair(user User, rt *RefreshToken) (*TokenPair, error) {
	access, exp, err := s.issuer.Issue(user.ID, user.Roles)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:           access,
		AccessTokenExpiresAt:  exp,
		RefreshToken:          rt.Value,
		RefreshTokenExpiresAt: rt.ExpiresAt,
		TokenType:             "Bearer",
	}, nil
}
