package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"medsurvey/internal/domain"
	"medsurvey/internal/repository"
)

// AccountService aplica cambios de credenciales y de estado de cuenta,
// reflejando su efecto sobre las sesiones vigentes.
type AccountService struct {
	logger   *zap.Logger
	users    repository.UserRepository
	sessions repository.SessionRegistry
}

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidUsername = errors.New("invalid username")
	ErrWeakPassword    = errors.New("password too short")
)

func NewAccountService(logger *zap.Logger, users repository.UserRepository, sessions repository.SessionRegistry) *AccountService {
	return &AccountService{
		logger:   logger,
		users:    users,
		sessions: sessions,
	}
}

// ChangePassword reemplaza el hash del usuario y marca sus sesiones activas
// como invalidadas por cambio de credenciales.
func (s *AccountService) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	newPassword = strings.TrimSpace(newPassword)
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(strings.TrimSpace(currentPassword))); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return err
	}
	return s.sessions.MarkActiveForUser(ctx, userID, domain.ReasonCredentialsChanged)
}

// ChangeUsername renombra al usuario e invalida sus sesiones activas.
func (s *AccountService) ChangeUsername(ctx context.Context, userID int64, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrInvalidUsername
	}
	if err := s.users.UpdateUsername(ctx, userID, username); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}
	return s.sessions.MarkActiveForUser(ctx, userID, domain.ReasonCredentialsChanged)
}

// SetActive activa o desactiva la cuenta. La desactivación marca las
// sesiones activas para que el próximo request las rechace sin esperar a
// que el token expire.
func (s *AccountService) SetActive(ctx context.Context, userID int64, active bool) error {
	if err := s.users.SetActive(ctx, userID, active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}
	if active {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("account deactivated", zap.Int64("user_id", userID))
	}
	return s.sessions.MarkActiveForUser(ctx, userID, domain.ReasonAccountDeactivated)
}
