package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/greencloud/authserver/internal/logging"
	"github.com/greencloud/authserver/internal/middleware"
	"github.com/greencloud/authserver/internal/service"
)

type AuthHTTP struct {
	Svc       *service.AuthService
	Validator *Validator
}

func (h *AuthHTTP) SignUp(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_signup")

	var req SignUpRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("signup_error", "status", 400, "error", err)
		return malformedBody(err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if _, err := h.Svc.SignUp(ctx, req.Username, req.Email, req.Password); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, success("signed up", nil))
}

func (h *AuthHTTP) SignIn(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_signin")

	var req SignInRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("signin_error", "status", 400, "error", err)
		return malformedBody(err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	res, err := h.Svc.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, success("login success", tokenResponse(res)))
}

// Refresh reads the token from the query string or a form body.
func (h *AuthHTTP) Refresh(c echo.Context) error {
	rt := c.FormValue("refreshToken")
	if rt == "" {
		return missingParam("refreshToken")
	}

	res, err := h.Svc.Refresh(c.Request().Context(), rt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, success("token refreshed", tokenResponse(res)))
}

// Logout answers 200 whenever the body is well formed, whatever the tokens hold.
func (h *AuthHTTP) Logout(c echo.Context) error {
	ctx := c.Request().Context()

	var req LogoutRequest
	if err := c.Bind(&req); err != nil {
		return malformedBody(err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	h.Svc.Logout(ctx, middleware.BearerToken(c), req.RefreshToken)
	return c.JSON(http.StatusOK, success("logged out", nil))
}

func (h *AuthHTTP) CheckEmail(c echo.Context) error {
	if !c.QueryParams().Has("email") {
		return missingParam("email")
	}
	email := c.QueryParam("email")

	if err := h.Validator.Var(email, "required,email"); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return invalidFields(map[string]string{"email": fieldMessage("email", ve[0])})
		}
		return err
	}

	available, err := h.Svc.IsEmailAvailable(c.Request().Context(), email)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, success("ok", map[string]bool{"available": available}))
}

func (h *AuthHTTP) Me(c echo.Context) error {
	u, ok := middleware.UserFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	return c.JSON(http.StatusOK, success("ok", UserResponse{
		ID:             u.ID,
		Username:       u.Username,
		Email:          u.Email,
		EmailConfirmed: u.EmailConfirmed,
		Role:           u.Role.String(),
		CreatedAt:      u.CreatedAt,
		LastLogin:      u.LastLogin,
	}))
}

func tokenResponse(t *service.AuthTokens) TokenResponse {
	return TokenResponse{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
}
