package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"medsurvey/internal/domain"
)

// SessionRegistry es el único estado mutable compartido del subsistema de
// sesiones: una fila por token emitido, con su material de refresco y el
// motivo de invalidación.
type SessionRegistry interface {
	GetByTokenID(ctx context.Context, tokenID string) (domain.Session, error)
	GetActiveByUser(ctx context.Context, userID int64) (domain.Session, error)
	Insert(ctx context.Context, session domain.Session) error
	// MarkSuperseded deja la fila con logout_reason=1 solo si sigue activa.
	MarkSuperseded(ctx context.Context, tokenID string) error
	// MarkActiveForUser invalida las filas activas del usuario con el motivo
	// indicado; nunca pisa una fila ya marcada como superseded.
	MarkActiveForUser(ctx context.Context, userID int64, reason domain.LogoutReason) error
	DeleteByTokenID(ctx context.Context, tokenID string) error
	// PurgeForLogin borra todas las filas del usuario salvo las superseded,
	// que se conservan para poder avisar al dispositivo desplazado.
	PurgeForLogin(ctx context.Context, userID int64) error
	// RotateRefresh reemplaza el material de refresco con compare-and-swap:
	// devuelve false si otra rotación concurrente ya avanzó la fila.
	RotateRefresh(ctx context.Context, tokenID, oldRefresh, newRefresh string) (bool, error)
	DeleteSupersededBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// LockUser serializa los logins de un usuario; el func devuelto libera
	// el lock y debe llamarse siempre.
	LockUser(ctx context.Context, userID int64) (func(), error)
}

// PgSessionRegistry implementa SessionRegistry sobre la tabla tokens.
type PgSessionRegistry struct {
	pool *pgxpool.Pool
}

func NewPgSessionRegistry(pool *pgxpool.Pool) *PgSessionRegistry {
	return &PgSessionRegistry{pool: pool}
}

func (r *PgSessionRegistry) GetByTokenID(ctx context.Context, tokenID string) (domain.Session, error) {
	const query = `
		SELECT token_id, user_id, refresh_token, logout_reason, created_at
		FROM tokens
		WHERE token_id = $1
	`
	return r.scanSession(r.pool.QueryRow(ctx, query, tokenID))
}

func (r *PgSessionRegistry) GetActiveByUser(ctx context.Context, userID int64) (domain.Session, error) {
	const query = `
		SELECT token_id, user_id, refresh_token, logout_reason, created_at
		FROM tokens
		WHERE user_id = $1 AND logout_reason = 0
		LIMIT 1
	`
	return r.scanSession(r.pool.QueryRow(ctx, query, userID))
}

func (r *PgSessionRegistry) Insert(ctx context.Context, session domain.Session) error {
	const query = `
		INSERT INTO tokens (token_id, user_id, refresh_token, logout_reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query,
		session.TokenID,
		session.UserID,
		session.RefreshToken,
		session.LogoutReason,
		session.CreatedAt,
	)
	return err
}

func (r *PgSessionRegistry) MarkSuperseded(ctx context.Context, tokenID string) error {
	const query = `
		UPDATE tokens SET logout_reason = 1
		WHERE token_id = $1 AND logout_reason = 0
	`
	_, err := r.pool.Exec(ctx, query, tokenID)
	return err
}

func (r *PgSessionRegistry) MarkActiveForUser(ctx context.Context, userID int64, reason domain.LogoutReason) error {
	const query = `
		UPDATE tokens SET logout_reason = $2
		WHERE user_id = $1 AND logout_reason = 0
	`
	_, err := r.pool.Exec(ctx, query, userID, reason)
	return err
}

func (r *PgSessionRegistry) DeleteByTokenID(ctx context.Context, tokenID string) error {
	const query = `DELETE FROM tokens WHERE token_id = $1`
	_, err := r.pool.Exec(ctx, query, tokenID)
	return err
}

func (r *PgSessionRegistry) PurgeForLogin(ctx context.Context, userID int64) error {
	const query = `DELETE FROM tokens WHERE user_id = $1 AND logout_reason <> 1`
	_, err := r.pool.Exec(ctx, query, userID)
	return err
}

func (r *PgSessionRegistry) RotateRefresh(ctx context.Context, tokenID, oldRefresh, newRefresh string) (bool, error) {
	const query = `
		UPDATE tokens SET refresh_token = $3
		WHERE token_id = $1 AND refresh_token = $2 AND logout_reason = 0
	`
	tag, err := r.pool.Exec(ctx, query, tokenID, oldRefresh, newRefresh)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgSessionRegistry) DeleteSupersededBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM tokens WHERE logout_reason = 1 AND created_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// LockUser toma un advisory lock de postgres sobre una conexión dedicada
// del pool, de modo que la serialización por usuario vale también entre
// instancias del servicio.
func (r *PgSessionRegistry) LockUser(ctx context.Context, userID int64) (func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, userID); err != nil {
		conn.Release()
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, userID)
		conn.Release()
	}, nil
}

func (r *PgSessionRegistry) scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(
		&s.TokenID,
		&s.UserID,
		&s.RefreshToken,
		&s.LogoutReason,
		&s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, err
	}
	return s, err
}
