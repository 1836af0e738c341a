package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"medsurvey/internal/domain"
	"medsurvey/internal/repository"
)

// CredentialVerifier comprueba credenciales contra el repositorio de
// usuarios.
type CredentialVerifier struct {
	users repository.UserRepository
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDeactivated = errors.New("account deactivated")
)

func NewCredentialVerifier(users repository.UserRepository) *CredentialVerifier {
	return &CredentialVerifier{users: users}
}

// Verify devuelve el usuario activo que coincide con login/password.
// Usuario inexistente y password incorrecto producen el mismo error;
// la cuenta desactivada solo se distingue tras validar el password.
func (v *CredentialVerifier) Verify(ctx context.Context, login, password string) (domain.User, error) {
	if v.users == nil {
		return domain.User{}, errors.New("credential verifier not configured")
	}

	login = strings.TrimSpace(login)
	password = strings.TrimSpace(password)
	if login == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}

	user, err := v.users.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if user.PasswordHash == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return domain.User{}, ErrAccountDeactivated
	}
	return user, nil
}
