package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-engine/internal/domain/entity"
	"github.com/ignatzorin/escrow-engine/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/response"
)

// Context ключи для gin.Context.
const (
	ContextUserIDKey = "userID"
	ContextRoleKey   = "role"
)

type AccessTokenParser interface {
	ParseAccess(token string) (uuid.UUID, valueobject.Role, error)
}

// AuthMiddleware проверяет JWT access токен и кладёт в контекст пользователя и его роль.
func AuthMiddleware(tokens AccessTokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			response.Unauthorized(c, "требуется авторизация")
			return
		}

		raw := strings.TrimPrefix(auth, "Bearer ")
		userID, role, err := tokens.ParseAccess(raw)
		if err != nil || (userID == uuid.Nil && role != valueobject.RoleSystem) {
			response.Unauthorized(c, "токен невалиден")
			return
		}

		c.Set(ContextUserIDKey, userID)
		c.Set(ContextRoleKey, role)
		c.Next()
	}
}

// ActorFromContext собирает участника перехода из данных токена.
func ActorFromContext(c *gin.Context) (entity.Actor, bool) {
	rawID, ok := c.Get(ContextUserIDKey)
	if !ok {
		return entity.Actor{}, false
	}
	userID, ok := rawID.(uuid.UUID)
	if !ok {
		return entity.Actor{}, false
	}
	rawRole, ok := c.Get(ContextRoleKey)
	if !ok {
		return entity.Actor{}, false
	}
	role, ok := rawRole.(valueobject.Role)
	if !ok || !role.IsValid() {
		return entity.Actor{}, false
	}
	return entity.Actor{UserID: userID, Role: role}, true
}

// RequireRoles пропускает только перечисленные роли.
func RequireRoles(roles ...valueobject.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFromContext(c)
		if !ok {
			response.Unauthorized(c, "требуется авторизация")
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "недостаточно прав")
	}
}
