package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/greencloud/authserver/internal/config"
	"github.com/greencloud/authserver/internal/logging"
	"github.com/greencloud/authserver/internal/middleware"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	AuthHandler *AuthHTTP
	Auth        middleware.Authenticator
	ReadyChecks map[string]ReadyCheck
}

// New builds an echo instance with the envelope error handler, validation,
// request logging and CORS in place.
func New(logger *slog.Logger, cors config.CORSConfig, v *Validator) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = v
	e.HTTPErrorHandler = ErrorHandler

	e.Use(
		echomw.Recover(),
		echomw.RequestID(),
		middleware.RequestLogger(logger),
		echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:     cors.AllowedOrigins,
			AllowMethods:     cors.AllowedMethods,
			AllowHeaders:     cors.AllowedHeaders,
			ExposeHeaders:    cors.ExposedHeaders,
			AllowCredentials: cors.AllowCredentials,
			MaxAge:           cors.MaxAge,
		}),
	)
	return e
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", d.ready)

	auth := e.Group("/auth")
	auth.POST("/signup", d.AuthHandler.SignUp)
	auth.POST("/signin", d.AuthHandler.SignIn)
	auth.POST("/refresh", d.AuthHandler.Refresh)
	auth.POST("/logout", d.AuthHandler.Logout)
	auth.GET("/check-email", d.AuthHandler.CheckEmail)
	auth.GET("/me", d.AuthHandler.Me, middleware.BearerAuth(d.Auth))
}

func (d *Deps) ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	l := logging.FromContext(ctx)
	for name, check := range d.ReadyChecks {
		if err := check(ctx); err != nil {
			l.Warn("not_ready", "dependency", name, "error", err)
			return c.NoContent(http.StatusServiceUnavailable)
		}
	}
	return c.NoContent(http.StatusOK)
}
