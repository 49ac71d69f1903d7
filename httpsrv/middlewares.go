package httpsrv

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// DefaultMiddlewares are used when NewEnity gets none.
func DefaultMiddlewares(ctx context.Context) []echo.MiddlewareFunc {
	return []echo.MiddlewareFunc{
		middleware.Recover(),
		RequestID(ctx),
		AccessLog(ctx),
	}
}

func generator(ctx context.Context) string {
	id, err := uuid.NewRandom()
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("generate request id")
		return ""
	}
	return id.String()
}

func RequestID(ctx context.Context) echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Skipper: middleware.DefaultSkipper,
		Generator: func() string {
			return generator(ctx)
		},
	})
}

// AccessLog writes one debug line per request with request id.
func AccessLog(ctx context.Context) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			zerolog.Ctx(ctx).Debug().
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Int("status", c.Response().Status).
				Err(err).
				Msg("request")

			return err
		}
	}
}
