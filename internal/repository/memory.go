package repository

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"medsurvey/internal/domain"
)

// MemorySessionRegistry implementa SessionRegistry en memoria, para
// desarrollo y pruebas.
type MemorySessionRegistry struct {
	mu    sync.Mutex
	rows  map[string]domain.Session
	locks map[int64]*sync.Mutex
}

func NewMemorySessionRegistry() *MemorySessionRegistry {
	return &MemorySessionRegistry{
		rows:  make(map[string]domain.Session),
		locks: make(map[int64]*sync.Mutex),
	}
}

func (r *MemorySessionRegistry) GetByTokenID(_ context.Context, tokenID string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[tokenID]
	if !ok {
		return domain.Session{}, pgx.ErrNoRows
	}
	return row, nil
}

func (r *MemorySessionRegistry) GetActiveByUser(_ context.Context, userID int64) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UserID == userID && row.LogoutReason == domain.ReasonActive {
			return row, nil
		}
	}
	return domain.Session{}, pgx.ErrNoRows
}

func (r *MemorySessionRegistry) Insert(_ context.Context, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[session.TokenID] = session
	return nil
}

func (r *MemorySessionRegistry) MarkSuperseded(_ context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[tokenID]; ok && row.LogoutReason == domain.ReasonActive {
		row.LogoutReason = domain.ReasonSupersededByDevice
		r.rows[tokenID] = row
	}
	return nil
}

func (r *MemorySessionRegistry) MarkActiveForUser(_ context.Context, userID int64, reason domain.LogoutReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, row := range r.rows {
		if row.UserID == userID && row.LogoutReason == domain.ReasonActive {
			row.LogoutReason = reason
			r.rows[id] = row
		}
	}
	return nil
}

func (r *MemorySessionRegistry) DeleteByTokenID(_ context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, tokenID)
	return nil
}

func (r *MemorySessionRegistry) PurgeForLogin(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, row := range r.rows {
		if row.UserID == userID && row.LogoutReason != domain.ReasonSupersededByDevice {
			delete(r.rows, id)
		}
	}
	return nil
}

func (r *MemorySessionRegistry) RotateRefresh(_ context.Context, tokenID, oldRefresh, newRefresh string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[tokenID]
	if !ok || row.LogoutReason != domain.ReasonActive || row.RefreshToken != oldRefresh {
		return false, nil
	}
	row.RefreshToken = newRefresh
	r.rows[tokenID] = row
	return true, nil
}

func (r *MemorySessionRegistry) DeleteSupersededBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, row := range r.rows {
		if row.LogoutReason == domain.ReasonSupersededByDevice && row.CreatedAt.Before(cutoff) {
			delete(r.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemorySessionRegistry) LockUser(_ context.Context, userID int64) (func(), error) {
	r.mu.Lock()
	lock, ok := r.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[userID] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock.Unlock, nil
}

// MemoryUserRepository implementa UserRepository en memoria, para
// desarrollo y pruebas.
type MemoryUserRepository struct {
	mu    sync.Mutex
	users map[int64]domain.User
}

func NewMemoryUserRepository(users ...domain.User) *MemoryUserRepository {
	r := &MemoryUserRepository{users: make(map[int64]domain.User)}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id int64) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (r *MemoryUserRepository) GetByLogin(_ context.Context, login string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Username == login || (user.Email != "" && user.Email == login) {
			return user, nil
		}
	}
	return domain.User{}, pgx.ErrNoRows
}

func (r *MemoryUserRepository) UpdatePassword(_ context.Context, id int64, passwordHash string) error {
	return r.update(id, func(u *domain.User) { u.PasswordHash = passwordHash })
}

func (r *MemoryUserRepository) UpdateUsername(_ context.Context, id int64, username string) error {
	return r.update(id, func(u *domain.User) { u.Username = username })
}

func (r *MemoryUserRepository) SetActive(_ context.Context, id int64, active bool) error {
	return r.update(id, func(u *domain.User) { u.IsActive = active })
}

func (r *MemoryUserRepository) update(id int64, fn func(*domain.User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return pgx.ErrNoRows
	}
	fn(&user)
	r.users[id] = user
	return nil
}
