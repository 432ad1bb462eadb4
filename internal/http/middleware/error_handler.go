package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-engine/internal/domain/repository"
	"github.com/ignatzorin/escrow-engine/internal/interface/http/response"
	"github.com/ignatzorin/escrow-engine/internal/logger"
	"github.com/ignatzorin/escrow-engine/internal/pkg/apperror"
)

// ErrorHandler отвечает за ошибки, которые хэндлеры положили в c.Errors, не записав ответ.
// Внутренние ошибки маскируются, ошибки движка отдаются с их кодом и HTTP статусом.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}
		response.Error(c, translate(c.Errors.Last().Err))
	}
}

// translate переводит ошибки хранилища в ошибки движка.
func translate(err error) error {
	var appErr *apperror.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, repository.ErrOrderNotFound):
		return apperror.ErrOrderNotFound
	case errors.Is(err, repository.ErrDisputeNotFound):
		return apperror.ErrDisputeNotFound
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrLockNotHeld):
		return apperror.ErrStaleOrderState
	default:
		return err
	}
}

// Recovery заменяет стандартный gin.Recovery: паника логируется и отдаётся как 500 в общем формате.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.L().WithFields(logrus.Fields{
			"panic":  recovered,
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("Panic recovered")
		response.Error(c, apperror.New(apperror.ErrCodeInternal, "внутренняя ошибка сервера"))
		c.Abort()
	})
}

// BodyLimit ограничивает размер тела запроса; вложения в сдачах и доказательствах идут в JSON.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
