// Package service contains the application services behind the transport:
// authentication, snapshots and collection maintenance.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/copydeck/internal/crypto"
	"github.com/and161185/copydeck/internal/errs"
	"github.com/and161185/copydeck/internal/model"
	"github.com/and161185/copydeck/internal/repository"
	"github.com/and161185/copydeck/internal/throttle"
)

const maxUsernameLen = 64

// AuthService defines authentication operations.
type AuthService interface {
	// Register creates a new user with secure password hashing.
	Register(ctx context.Context, username, password string) (userID string, err error)
	// LoginWithIP applies rate-limiting and authenticates the user.
	LoginWithIP(ctx context.Context, username, password string, ip string) (tokens model.Tokens, user model.User, err error)
}

// Claims is the access token payload. Subject holds the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type AuthServiceImpl struct {
	users     repository.UserRepository
	signKey   []byte
	accessTTL time.Duration
	lim       throttle.Limiter
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, signKey []byte, accessTTL time.Duration, lim throttle.Limiter) *AuthServiceImpl {
	if lim == nil {
		lim = throttle.Nop{}
	}
	return &AuthServiceImpl{users: users, signKey: signKey, accessTTL: accessTTL, lim: lim}
}

// ValidateUsername rejects names that cannot be embedded in tags and snapshot keys.
func ValidateUsername(username string) error {
	switch {
	case username == "":
		return errs.Validation("empty username")
	case utf8.RuneCountInString(username) > maxUsernameLen:
		return errs.Validation("username longer than %d characters", maxUsernameLen)
	case strings.ContainsAny(username, " \t\r\n:/"):
		return errs.Validation("username contains whitespace, ':' or '/'")
	case strings.Contains(username, "_profile"):
		return errs.Validation("username must not contain %q", "_profile")
	case username == "default":
		return errs.Validation("username %q is reserved", username)
	}
	return nil
}

// Register creates a new user record.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (string, error) {
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	if password == "" {
		return "", errs.Validation("empty password")
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	pwdHash, err := pkgcrypto.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{ID: uid, Username: username, PwdHash: pwdHash}
	if err := s.users.Create(ctx, u); err != nil {
		return "", err
	}
	return uid.String(), nil
}

// LoginWithIP authenticates with rate limiting by (username, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, username, password, ip string) (model.Tokens, model.User, error) {
	ipHash := throttle.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	if !allowed {
		return model.Tokens{}, model.User{}, errs.ErrRateLimited
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err == nil {
		var ok bool
		ok, err = pkgcrypto.VerifyPassword(password, u.PwdHash)
		if err == nil && !ok {
			err = errs.ErrUnauthorized
		}
	}
	if err != nil {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.User{}, errs.ErrRateLimited
		}
		// Unknown users and bad passwords look the same to the caller.
		if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrUnauthorized) || errors.Is(err, pkgcrypto.ErrMalformedHash) {
			return model.Tokens{}, model.User{}, errs.ErrUnauthorized
		}
		return model.Tokens{}, model.User{}, err
	}

	_ = s.lim.Success(ctx, username, ipHash)

	access, exp, err := s.issueAccessToken(u)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *u, nil
}

// issueAccessToken creates a signed HS256 JWT for u.
func (s *AuthServiceImpl) issueAccessToken(u *model.User) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// ParseAccessToken verifies an HS256 token and returns its claims.
func ParseAccessToken(signKey []byte, token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	if err := ValidateUsername(claims.Username); err != nil {
		return nil, fmt.Errorf("%w: bad username claim", errs.ErrUnauthorized)
	}
	if _, err := uuid.FromString(claims.Subject); err != nil {
		return nil, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return &claims, nil
}
