package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/greencloud/authserver/internal/events"
	"github.com/greencloud/authserver/internal/hash"
	"github.com/greencloud/authserver/internal/logging"
	"github.com/greencloud/authserver/internal/models"
	"github.com/greencloud/authserver/internal/repo"
	"github.com/greencloud/authserver/internal/tokens"
)

var (
	ErrBadCredentials    = errors.New("invalid email or password")
	ErrInvalidToken      = errors.New("invalid token")
	ErrNotFound          = errors.New("user not found")
	ErrDuplicateIdentity = errors.New("email already used")
)

const TokenType = "Bearer"

type UserRepo interface {
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Save(ctx context.Context, u *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id uint) (*models.User, error)
	TouchLastLogin(ctx context.Context, id uint, at time.Time) error
}

type TokenIssuer interface {
	IssueAccessToken(userID uint, email, role string) (tokens.Token, error)
	IssueRefreshToken(userID uint) (tokens.Token, error)
	Verify(token string) (*tokens.Claims, error)
	RefreshTTL() time.Duration
}

type TokenStore interface {
	SaveRefresh(ctx context.Context, userID uint, token string, ttl time.Duration) error
	CurrentRefresh(ctx context.Context, userID uint) (string, bool, error)
	RotateRefresh(ctx context.Context, userID uint, presented, next string, ttl time.Duration) (bool, error)
	DeleteRefresh(ctx context.Context, userID uint) error
	Deny(ctx context.Context, token string, ttl time.Duration) (bool, error)
	IsDenied(ctx context.Context, token string) (bool, error)
}

// AuthService holds no mutable state; everything shared lives in Users and Store.
type AuthService struct {
	Users  UserRepo
	Hasher hash.Hasher
	Tokens TokenIssuer
	Store  TokenStore
	Events events.Publisher
	// Now defaults to time.Now.
	Now func() time.Time
}

type AuthTokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	AccessExp    time.Time
	RefreshExp   time.Time
}

func (s *AuthService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *AuthService) SignUp(ctx context.Context, username, email, password string) (*models.User, error) {
	l := logging.FromContext(ctx).With("svc", "auth.signup")

	exists, err := s.Users.ExistsByEmail(ctx, email)
	if err != nil {
		l.Error("signup_error", "status", 500, "reason", "email lookup failed", "error", err)
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		l.Warn("signup_failed", "status", 409, "reason", "email already used")
		return nil, ErrDuplicateIdentity
	}

	digest, err := s.Hasher.Hash(password)
	if err != nil {
		l.Error("signup_error", "status", 500, "reason", "cannot hash the password", "error", err)
		return nil, err
	}

	u := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: digest,
		Role:         models.RoleUser,
	}
	if err := s.Users.Save(ctx, u); err != nil {
		if errors.Is(err, repo.ErrUserAlreadyExist) {
			l.Warn("signup_failed", "status", 409, "reason", "email taken concurrently")
			return nil, ErrDuplicateIdentity
		}
		l.Error("signup_error", "status", 500, "error", err)
		return nil, fmt.Errorf("save user: %w", err)
	}

	l.Info("signup_successful", "user_id", u.ID)
	s.publish(ctx, l, events.Event{Type: events.UserRegistered, UserID: u.ID, Email: u.Email})
	return u, nil
}

func (s *AuthService) SignIn(ctx context.Context, email, password string) (*AuthTokens, error) {
	l := logging.FromContext(ctx).With("svc", "auth.signin")

	u, err := s.Users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("signin_failed", "status", 401, "reason", "unknown email")
			return nil, ErrBadCredentials
		}
		l.Error("signin_error", "status", 500, "error", err)
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !s.Hasher.Verify(password, u.PasswordHash) {
		l.Warn("signin_failed", "status", 401, "reason", "password mismatch", "user_id", u.ID)
		return nil, ErrBadCredentials
	}

	pair, err := s.issuePair(u)
	if err != nil {
		l.Error("signin_error", "status", 500, "error", err)
		return nil, err
	}
	if err := s.Store.SaveRefresh(ctx, u.ID, pair.RefreshToken, s.Tokens.RefreshTTL()); err != nil {
		l.Error("signin_error", "status", 500, "reason", "cannot store refresh token", "error", err)
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	if err := s.Users.TouchLastLogin(ctx, u.ID, s.now()); err != nil {
		l.Warn("last_login_not_updated", "user_id", u.ID, "error", err)
	}

	l.Info("signin_successful", "user_id", u.ID)
	s.publish(ctx, l, events.Event{Type: events.UserSignedIn, UserID: u.ID, Email: u.Email})
	return pair, nil
}

// Refresh exchanges the current refresh token for a new pair. The stored value
// is swapped atomically, so of two concurrent calls with one token only one wins.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthTokens, error) {
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	claims, err := s.Tokens.Verify(refreshToken)
	if err != nil {
		l.Warn("refresh_failed", "status", 401, "reason", "unverifiable token", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !claims.IsRefresh() {
		l.Warn("refresh_failed", "status", 401, "reason", "not a refresh token")
		return nil, ErrInvalidToken
	}
	uid, err := claims.UserID()
	if err != nil {
		l.Warn("refresh_failed", "status", 401, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	l = l.With("user_id", uid)

	stored, ok, err := s.Store.CurrentRefresh(ctx, uid)
	if err != nil {
		l.Error("refresh_error", "status", 500, "error", err)
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if !ok || stored != refreshToken {
		l.Warn("refresh_failed", "status", 401, "reason", "stale refresh token")
		return nil, ErrInvalidToken
	}

	u, err := s.Users.FindByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("refresh_failed", "status", 404, "reason", "user gone")
			return nil, ErrNotFound
		}
		l.Error("refresh_error", "status", 500, "error", err)
		return nil, fmt.Errorf("find user: %w", err)
	}

	pair, err := s.issuePair(u)
	if err != nil {
		l.Error("refresh_error", "status", 500, "error", err)
		return nil, err
	}
	swapped, err := s.Store.RotateRefresh(ctx, uid, refreshToken, pair.RefreshToken, s.Tokens.RefreshTTL())
	if err != nil {
		l.Error("refresh_error", "status", 500, "reason", "cannot rotate refresh token", "error", err)
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !swapped {
		l.Warn("refresh_failed", "status", 401, "reason", "lost rotation race")
		return nil, ErrInvalidToken
	}

	l.Info("refresh_successful")
	s.publish(ctx, l, events.Event{Type: events.TokenRefreshed, UserID: uid, Email: u.Email})
	return pair, nil
}

// Logout revokes what it can and never fails. Each token is handled on its own,
// so a garbled access token does not keep the refresh entry alive.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken string) {
	l := logging.FromContext(ctx).With("svc", "auth.logout")

	var subject uint
	if claims, err := s.Tokens.Verify(refreshToken); err != nil {
		l.Debug("logout_refresh_skipped", "error", err)
	} else if claims.IsRefresh() {
		if uid, err := claims.UserID(); err == nil {
			subject = uid
			if err := s.Store.DeleteRefresh(ctx, uid); err != nil {
				l.Warn("logout_refresh_not_deleted", "user_id", uid, "error", err)
			}
		}
	}

	if claims, err := s.Tokens.Verify(accessToken); err != nil {
		l.Debug("logout_access_skipped", "error", err)
	} else {
		secondsLeft := claims.ExpiresAtTime().Unix() - s.now().Unix()
		if secondsLeft > 0 {
			if _, err := s.Store.Deny(ctx, accessToken, time.Duration(secondsLeft)*time.Second); err != nil {
				l.Warn("logout_access_not_denied", "error", err)
			}
		}
		if subject == 0 {
			if uid, err := claims.UserID(); err == nil {
				subject = uid
			}
		}
	}

	if subject != 0 {
		l.Info("logout_successful", "user_id", subject)
		s.publish(ctx, l, events.Event{Type: events.UserLoggedOut, UserID: subject})
	}
}

func (s *AuthService) IsEmailAvailable(ctx context.Context, email string) (bool, error) {
	exists, err := s.Users.ExistsByEmail(ctx, email)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return !exists, nil
}

// Authenticate resolves a bearer access token to its user.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*models.User, error) {
	denied, err := s.Store.IsDenied(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("check denylist: %w", err)
	}
	if denied {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}

	claims, err := s.Tokens.Verify(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.IsRefresh() {
		return nil, fmt.Errorf("%w: refresh token used as access token", ErrInvalidToken)
	}
	uid, err := claims.UserID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	u, err := s.Users.FindByID(ctx, uid)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (s *AuthService) issuePair(u *models.User) (*AuthTokens, error) {
	access, err := s.Tokens.IssueAccessToken(u.ID, u.Email, u.Role.String())
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.Tokens.IssueRefreshToken(u.ID)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &AuthTokens{
		AccessToken:  access.Value,
		RefreshToken: refresh.Value,
		TokenType:    TokenType,
		AccessExp:    access.ExpiresAt,
		RefreshExp:   refresh.ExpiresAt,
	}, nil
}

func (s *AuthService) publish(ctx context.Context, l *slog.Logger, ev events.Event) {
	if s.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		l.Warn("event_publish_failed", "event", string(ev.Type), "error", err)
	}
}
