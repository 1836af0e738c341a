package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"medsurvey/internal/domain"
	"medsurvey/internal/service"
)

const authUserKey = "auth_user"

// AuthRequired revalida el bearer token en cada request y deja el usuario
// resuelto en el contexto para los handlers siguientes.
func AuthRequired(authSvc *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authSvc == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
			c.Abort()
			return
		}

		user, err := authSvc.Authenticate(c.Request.Context(), bearerToken(c))
		if err != nil {
			status, msg := authErrorResponse(err)
			c.JSON(status, gin.H{"error": msg})
			c.Abort()
			return
		}

		c.Set(authUserKey, user)
		c.Next()
	}
}

// GetAuthUser obtiene el usuario autenticado desde el contexto.
func GetAuthUser(c *gin.Context) (domain.User, bool) {
	val, ok := c.Get(authUserKey)
	if !ok {
		return domain.User{}, false
	}
	user, ok := val.(domain.User)
	return user, ok
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// authErrorResponse mapea cada clase de fallo a un status y mensaje
// estables, para que el cliente decida entre reloguear o mostrar un error
// de permisos.
func authErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "missing token"
	case errors.Is(err, service.ErrSessionSuperseded):
		return http.StatusUnauthorized, "account used on another device"
	case errors.Is(err, service.ErrSessionCredentialsChanged):
		return http.StatusUnauthorized, "your credentials were changed, please log in again"
	case errors.Is(err, service.ErrTokenExpired):
		return http.StatusUnauthorized, "your session has expired, please log in again"
	case errors.Is(err, service.ErrAccountDeactivated):
		return http.StatusForbidden, "account deactivated"
	case errors.Is(err, service.ErrTokenInvalid):
		return http.StatusForbidden, "session is invalid"
	default:
		return http.StatusForbidden, "forbidden"
	}
}
