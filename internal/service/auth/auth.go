package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/printmint/printmint/internal/apperrors"
	"github.com/printmint/printmint/internal/models"
	"github.com/printmint/printmint/internal/repository"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

type Config struct {
	// Secret key to sign access token payload
	SecretKey string

	// Hasher used during registration and login. Defaults to bcrypt.
	Hasher PasswordHasher

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type Service struct {
	token  TokenManager
	hasher PasswordHasher

	userRepo repository.UserRepo
}

func NewService(cfg Config, userRepo repository.UserRepo, refreshRepo repository.RefreshTokenRepo) (*Service, error) {
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = BcryptHasher{}
	}

	if refreshRepo == nil || userRepo == nil {
		return nil, errors.New("repos must not be nil")
	}

	tokenManager := TokenManager{
		key:         cfg.SecretKey,
		alg:         jwt.SigningMethodHS256,
		accessTTL:   cfg.AccessTokenTTL,
		refreshTTL:  cfg.RefreshTokenTTL,
		refreshRepo: refreshRepo,
	}

	return &Service{
		token:    tokenManager,
		hasher:   hasher,
		userRepo: userRepo,
	}, nil
}

func (s *Service) Register(ctx context.Context, username string, password string) (models.TokenPair, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	user, err := s.userRepo.CreateUser(ctx, username, hash)
	if err != nil {
		return models.TokenPair{}, err
	}

	pair, err := s.token.GeneratePair(ctx, user)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not be generated. %w", err)
	}

	return pair, nil
}

func (s *Service) Login(ctx context.Context, username string, password string) (models.TokenPair, error) {
	user, err := s.userRepo.GetUserByUsername(ctx, username)
	if err != nil {
		// Burn a compare anyway so a missing user costs the same
		_ = s.hasher.Compare("$2a$10$0123456789012345678901uGZfeclZ41ync1Ps.0s0X4fDRKLmUUm", password)
		return models.TokenPair{}, apperrors.ErrUserNotFound
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		return models.TokenPair{}, apperrors.ErrUserNotFound
	}

	pair, err := s.token.GeneratePair(ctx, user)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not be generated. %w", err)
	}

	return pair, nil
}

// Refresh burns the presented refresh token and issues a fresh pair.
func (s *Service) Refresh(ctx context.Context, refresh string) (models.TokenPair, error) {
	token, err := s.token.UseRefreshToken(ctx, refresh)
	if err != nil {
		return models.TokenPair{}, err
	}

	user, err := s.userRepo.GetUserByID(ctx, token.UserID)
	if err != nil {
		return models.TokenPair{}, err
	}

	pair, err := s.token.GeneratePair(ctx, user)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("token could not be generated. %w", err)
	}

	return pair, nil
}

// ParseAccess validates an access token and returns the user id inside.
func (s *Service) ParseAccess(ctx context.Context, access string) (uuid.UUID, error) {
	return s.token.ParseAccess(ctx, access)
}

// Auth resolves the request bearer token to the user it was issued to.
func (s *Service) Auth(ctx context.Context, r *http.Request) (models.User, error) {
	header := r.Header.Get("Authorization")
	access, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || access == "" {
		return models.User{}, errors.New("no bearer token in request")
	}

	userID, err := s.token.ParseAccess(ctx, access)
	if err != nil {
		return models.User{}, err
	}

	return s.userRepo.GetUserByID(ctx, userID)
}
