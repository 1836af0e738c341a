package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"medsurvey/internal/domain"
	"medsurvey/internal/repository"
)

// AuthService orquesta el login (emisión de sesiones) y la revalidación
// por request con rotación del material de refresco.
type AuthService struct {
	logger     *zap.Logger
	verifier   *CredentialVerifier
	users      repository.UserRepository
	sessions   repository.SessionRegistry
	codec      *TokenCodec
	defaultTTL time.Duration
}

var (
	ErrUnauthenticated           = errors.New("unauthenticated")
	ErrForbidden                 = errors.New("forbidden")
	ErrSessionSuperseded         = errors.New("session superseded by other device")
	ErrSessionCredentialsChanged = errors.New("session credentials changed")
)

func NewAuthService(
	logger *zap.Logger,
	verifier *CredentialVerifier,
	users repository.UserRepository,
	sessions repository.SessionRegistry,
	codec *TokenCodec,
	defaultTTL time.Duration,
) *AuthService {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &AuthService{
		logger:     logger,
		verifier:   verifier,
		users:      users,
		sessions:   sessions,
		codec:      codec,
		defaultTTL: defaultTTL,
	}
}

// Login verifica credenciales, resuelve el cambio de dispositivo y deja una
// única sesión activa para el usuario. Los pasos sobre el registro se
// serializan por usuario vía LockUser.
func (s *AuthService) Login(ctx context.Context, login, password, device string) (string, error) {
	user, err := s.verifier.Verify(ctx, login, password)
	if err != nil {
		return "", err
	}

	device = strings.TrimSpace(device)

	unlock, err := s.sessions.LockUser(ctx, user.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	current, err := s.sessions.GetActiveByUser(ctx, user.ID)
	switch {
	case err == nil:
		claims, decErr := s.codec.Verify(current.RefreshToken)
		if decErr != nil {
			// Sin claims no hay comparación de dispositivo posible: la fila
			// está vencida o corrupta y se descarta.
			if err := s.sessions.DeleteByTokenID(ctx, current.TokenID); err != nil {
				return "", err
			}
		} else if claims.Device != device {
			// Se conserva marcada para poder avisar al dispositivo
			// desplazado en su próximo request.
			if err := s.sessions.MarkSuperseded(ctx, current.TokenID); err != nil {
				return "", err
			}
		}
	case errors.Is(err, pgx.ErrNoRows):
		// sin sesión vigente
	default:
		return "", err
	}

	if err := s.sessions.PurgeForLogin(ctx, user.ID); err != nil {
		return "", err
	}

	token, err := s.codec.Issue(user.ID, device, s.defaultTTL)
	if err != nil {
		return "", err
	}
	session := domain.Session{
		TokenID:      token,
		UserID:       user.ID,
		RefreshToken: token,
		LogoutReason: domain.ReasonActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.sessions.Insert(ctx, session); err != nil {
		return "", err
	}
	return token, nil
}

// Authenticate revalida un bearer token contra el registro de sesiones y
// rota el material de refresco. Devuelve el usuario resuelto para que el
// caller lo propague explícitamente.
func (s *AuthService) Authenticate(ctx context.Context, bearer string) (domain.User, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return domain.User{}, ErrUnauthenticated
	}

	row, err := s.sessions.GetByTokenID(ctx, bearer)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Error("session lookup failed", zap.Error(err))
		}
		return domain.User{}, ErrForbidden
	}

	switch row.LogoutReason {
	case domain.ReasonSupersededByDevice:
		return domain.User{}, ErrSessionSuperseded
	case domain.ReasonCredentialsChanged:
		return domain.User{}, ErrSessionCredentialsChanged
	case domain.ReasonAccountDeactivated:
		return domain.User{}, ErrAccountDeactivated
	}

	// El material guardado en el registro es el autoritativo, no el bearer
	// presentado por el cliente.
	claims, err := s.codec.Verify(row.RefreshToken)
	if err != nil {
		return domain.User{}, err
	}

	user, err := s.users.GetByID(ctx, row.UserID)
	if err != nil {
		s.logger.Error("session user lookup failed", zap.Int64("user_id", row.UserID), zap.Error(err))
		return domain.User{}, ErrForbidden
	}

	// TTL efectivo: si el usuario tiene override, acota la ventana desde el
	// issued-at del material vigente aunque la firma siga siendo válida.
	if user.TokenTTLMin > 0 {
		effective := claims.IssuedAt.Time.Add(time.Duration(user.TokenTTLMin) * time.Minute)
		if time.Now().UTC().After(effective) {
			return domain.User{}, ErrTokenExpired
		}
	}

	fresh, err := s.codec.Issue(row.UserID, claims.Device, s.defaultTTL)
	if err != nil {
		s.logger.Error("refresh issue failed", zap.Error(err))
		return domain.User{}, ErrForbidden
	}
	rotated, err := s.sessions.RotateRefresh(ctx, row.TokenID, row.RefreshToken, fresh)
	if err != nil {
		s.logger.Error("refresh rotation failed", zap.Error(err))
		return domain.User{}, ErrForbidden
	}
	if !rotated {
		// Otra rotación concurrente avanzó la fila; este intento pierde y
		// el cliente debe reloguear. La fila nunca se borra por esto.
		return domain.User{}, ErrTokenInvalid
	}
	return user, nil
}
