package domain

import "time"

// LogoutReason indica por qué una sesión dejó de ser utilizable.
type LogoutReason int

const (
	ReasonActive             LogoutReason = 0
	ReasonSupersededByDevice LogoutReason = 1
	ReasonCredentialsChanged LogoutReason = 2
	ReasonAccountDeactivated LogoutReason = 3
)

// Session es una fila del registro de sesiones: un bearer token emitido y
// su material de refresco vigente. TokenID no cambia durante la vida de la
// sesión; RefreshToken rota en cada revalidación exitosa.
type Session struct {
	TokenID      string       `json:"token_id"`
	UserID       int64        `json:"user_id"`
	RefreshToken string       `json:"-"`
	LogoutReason LogoutReason `json:"logout_reason"`
	CreatedAt    time.Time    `json:"created_at"`
}
