package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"medsurvey/internal/repository"
)

// SessionSweeper borra periódicamente las filas superseded que ya pasaron
// la ventana de retención. No cambia el comportamiento observable dentro de
// la ventana: el dispositivo desplazado alcanza a recibir su aviso.
type SessionSweeper struct {
	logger    *zap.Logger
	sessions  repository.SessionRegistry
	interval  time.Duration
	retention time.Duration
}

func NewSessionSweeper(logger *zap.Logger, sessions repository.SessionRegistry, interval, retention time.Duration) *SessionSweeper {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &SessionSweeper{
		logger:    logger,
		sessions:  sessions,
		interval:  interval,
		retention: retention,
	}
}

// Run ejecuta el barrido hasta que el contexto se cancele. Con interval <= 0
// no hace nada.
func (w *SessionSweeper) Run(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SessionSweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.retention)
	deleted, err := w.sessions.DeleteSupersededBefore(ctx, cutoff)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("session sweep failed", zap.Error(err))
		}
		return
	}
	if deleted > 0 && w.logger != nil {
		w.logger.Info("session sweep", zap.Int64("deleted", deleted))
	}
}
