package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"medsurvey/internal/domain"
	"medsurvey/internal/repository"
)

type authFixture struct {
	svc      *AuthService
	accounts *AccountService
	users    *repository.MemoryUserRepository
	sessions *repository.MemorySessionRegistry
	codec    *TokenCodec
}

func newAuthFixture(t *testing.T, seed ...domain.User) *authFixture {
	t.Helper()
	users := repository.NewMemoryUserRepository(seed...)
	sessions := repository.NewMemorySessionRegistry()
	codec := NewTokenCodec("secret")
	verifier := NewCredentialVerifier(users)
	logger := zap.NewNop()
	return &authFixture{
		svc:      NewAuthService(logger, verifier, users, sessions, codec, time.Hour),
		accounts: NewAccountService(logger, users, sessions),
		users:    users,
		sessions: sessions,
		codec:    codec,
	}
}

func TestAuthService_LoginThenAuthenticate(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	token, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}

	user, err := fx.svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.ID != 1 {
		t.Fatalf("expected user 1, got %d", user.ID)
	}

	// El mismo bearer sigue valiendo tras la rotación.
	if _, err := fx.svc.Authenticate(ctx, token); err != nil {
		t.Fatalf("second authenticate: %v", err)
	}
}

func TestAuthService_LoginFailures(t *testing.T) {
	fx := newAuthFixture(t,
		seedUser(t, 1, "jdoe", "password1", true, 0),
		seedUser(t, 2, "inactive", "password1", false, 0),
	)
	ctx := context.Background()

	if _, err := fx.svc.Login(ctx, "jdoe", "nope", "dev-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := fx.svc.Login(ctx, "ghost", "password1", "dev-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := fx.svc.Login(ctx, "inactive", "password1", "dev-1"); !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("expected ErrAccountDeactivated, got %v", err)
	}
}

func TestAuthService_DeviceTakeover(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	t1, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login dev-1: %v", err)
	}
	t2, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-2")
	if err != nil {
		t.Fatalf("login dev-2: %v", err)
	}

	if _, err := fx.svc.Authenticate(ctx, t1); !errors.Is(err, ErrSessionSuperseded) {
		t.Fatalf("expected ErrSessionSuperseded for dev-1 token, got %v", err)
	}
	user, err := fx.svc.Authenticate(ctx, t2)
	if err != nil {
		t.Fatalf("authenticate dev-2 token: %v", err)
	}
	if user.ID != 1 {
		t.Fatalf("expected user 1, got %d", user.ID)
	}

	// La fila desplazada queda marcada, no borrada.
	row, err := fx.sessions.GetByTokenID(ctx, t1)
	if err != nil {
		t.Fatalf("superseded row should survive: %v", err)
	}
	if row.LogoutReason != domain.ReasonSupersededByDevice {
		t.Fatalf("expected reason superseded, got %d", row.LogoutReason)
	}
}

func TestAuthService_SameDeviceReloginDropsOldRow(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	t1, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	t2, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}

	// Mismo dispositivo: la fila anterior se purga sin marcar.
	if _, err := fx.sessions.GetByTokenID(ctx, t1); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected old row purged, got %v", err)
	}
	if _, err := fx.svc.Authenticate(ctx, t2); err != nil {
		t.Fatalf("authenticate new token: %v", err)
	}
}

func TestAuthService_StaleActiveRowDeletedOnLogin(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	stale := domain.Session{
		TokenID:      "stale-token",
		UserID:       1,
		RefreshToken: "garbage",
		LogoutReason: domain.ReasonActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := fx.sessions.Insert(ctx, stale); err != nil {
		t.Fatalf("insert stale row: %v", err)
	}

	token, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login over stale row: %v", err)
	}
	if _, err := fx.sessions.GetByTokenID(ctx, "stale-token"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected stale row deleted, got %v", err)
	}
	if _, err := fx.svc.Authenticate(ctx, token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestAuthService_RotationAdvancesMaterial(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	token, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	before, err := fx.sessions.GetByTokenID(ctx, token)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if before.RefreshToken != token {
		t.Fatalf("fresh session should hold the issued token as material")
	}

	if _, err := fx.svc.Authenticate(ctx, token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	after, err := fx.sessions.GetByTokenID(ctx, token)
	if err != nil {
		t.Fatalf("get row after rotation: %v", err)
	}
	if after.RefreshToken == before.RefreshToken {
		t.Fatalf("expected refresh material to rotate")
	}

	// El material anterior ya no gana un swap: no hay replay.
	ok, err := fx.sessions.RotateRefresh(ctx, token, before.RefreshToken, "attacker")
	if err != nil {
		t.Fatalf("rotate with stale material: %v", err)
	}
	if ok {
		t.Fatalf("expected stale material to lose the compare-and-swap")
	}
}

// losingRegistry simula una rotación concurrente que siempre gana la otra
// parte.
type losingRegistry struct {
	*repository.MemorySessionRegistry
}

func (r *losingRegistry) RotateRefresh(ctx context.Context, tokenID, oldRefresh, newRefresh string) (bool, error) {
	return false, nil
}

func TestAuthService_LostRotationFailsCleanly(t *testing.T) {
	users := repository.NewMemoryUserRepository(seedUser(t, 1, "jdoe", "password1", true, 0))
	inner := repository.NewMemorySessionRegistry()
	sessions := &losingRegistry{MemorySessionRegistry: inner}
	codec := NewTokenCodec("secret")
	logger := zap.NewNop()
	issuer := NewAuthService(logger, NewCredentialVerifier(users), users, inner, codec, time.Hour)
	authenticator := NewAuthService(logger, NewCredentialVerifier(users), users, sessions, codec, time.Hour)
	ctx := context.Background()

	token, err := issuer.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := authenticator.Authenticate(ctx, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid when rotation loses, got %v", err)
	}

	// La fila sobrevive al intento perdedor.
	if _, err := inner.GetByTokenID(ctx, token); err != nil {
		t.Fatalf("row must never be dropped on a lost rotation: %v", err)
	}
}

func TestAuthService_UserTTLOverride(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 1))
	ctx := context.Background()

	token, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Material firmado hace dos minutos pero con expiry lejano: el override
	// de 1 minuto debe ganarle a la firma todavía válida.
	now := time.Now().UTC()
	aged := signTestToken(t, "secret", testClaims(1, "dev-1", now.Add(-2*time.Minute), now.Add(time.Hour)))
	if ok, err := fx.sessions.RotateRefresh(ctx, token, token, aged); err != nil || !ok {
		t.Fatalf("seed aged material: ok=%v err=%v", ok, err)
	}

	if _, err := fx.svc.Authenticate(ctx, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired from override, got %v", err)
	}
}

func TestAuthService_NoOverrideKeepsDefaultWindow(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	token, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	now := time.Now().UTC()
	aged := signTestToken(t, "secret", testClaims(1, "dev-1", now.Add(-2*time.Minute), now.Add(time.Hour)))
	if ok, err := fx.sessions.RotateRefresh(ctx, token, token, aged); err != nil || !ok {
		t.Fatalf("seed aged material: ok=%v err=%v", ok, err)
	}

	if _, err := fx.svc.Authenticate(ctx, token); err != nil {
		t.Fatalf("expected success without override, got %v", err)
	}
}

func TestAuthService_DeactivationInvalidatesSessions(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	token, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := fx.accounts.SetActive(ctx, 1, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := fx.svc.Authenticate(ctx, token); !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("expected ErrAccountDeactivated, got %v", err)
	}
}

func TestAuthService_PasswordChangeInvalidatesSessions(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	token, err := fx.svc.Login(ctx, "jdoe", "password1", "dev-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := fx.accounts.ChangePassword(ctx, 1, "password1", "newpassword1"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := fx.svc.Authenticate(ctx, token); !errors.Is(err, ErrSessionCredentialsChanged) {
		t.Fatalf("expected ErrSessionCredentialsChanged, got %v", err)
	}

	// Un login nuevo con la credencial nueva limpia la fila marcada.
	if _, err := fx.svc.Login(ctx, "jdoe", "newpassword1", "dev-1"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestAuthService_MissingAndUnknownTokens(t *testing.T) {
	fx := newAuthFixture(t, seedUser(t, 1, "jdoe", "password1", true, 0))
	ctx := context.Background()

	if _, err := fx.svc.Authenticate(ctx, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty bearer, got %v", err)
	}
	if _, err := fx.svc.Authenticate(ctx, "unknown-token"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unknown token, got %v", err)
	}
}
