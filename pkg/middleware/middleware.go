package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/Astemirdum/lending-service/pkg/auth"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

const (
	AuthorizationHeader = "Authorization"
	bearer              = "Bearer "
)

type Profile struct {
	Username string    `json:"username"`
	Role     auth.Role `json:"role"`
}

type Claims struct {
	Profile Profile `json:"profile"`
	jwt.RegisteredClaims
}

// JwtAuthentication verifies an HS256 bearer token issued by the identity provider
// and puts the caller identity into the request context.
func JwtAuthentication(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authorization := c.Request().Header.Get(AuthorizationHeader)
			if authorization == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "No Authorization Header")
			}
			if !strings.HasPrefix(authorization, bearer) {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization Header")
			}
			tokenStr := strings.TrimPrefix(authorization, bearer)
			claims := new(Claims)

			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "JwtAccessDenied")
			}
			if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
				return echo.NewHTTPError(http.StatusUnauthorized, "TokenExpired")
			}
			if claims.Profile.Username == "" || !claims.Profile.Role.Valid() {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid profile")
			}

			req := c.Request()
			ctx := auth.SetAuthContext(req.Context(), claims.Profile.Username, claims.Profile.Role)
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}

// AuthContext trusts the identity headers set by the upstream gateway.
func AuthContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		userName := req.Header.Get(auth.XUserNameHeader)
		if userName == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "user-name is empty")
		}
		role := auth.Role(strings.ToLower(req.Header.Get(auth.XUserRoleHeader)))
		if role == "" {
			role = auth.RoleBorrower
		}
		if !role.Valid() {
			return echo.NewHTTPError(http.StatusUnauthorized, "user-role is invalid")
		}
		ctx := auth.SetAuthContext(req.Context(), userName, role)
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func NewRateLimiter(rps rate.Limit) echo.MiddlewareFunc {
	return middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rps))
}

func RequestLoggerConfig(log *zap.Logger) middleware.RequestLoggerConfig {
	log = log.Named("echo")
	return middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		HandleError:  true,
		LogError:     true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := zapcore.InfoLevel
			if v.Error != nil {
				level = zapcore.ErrorLevel
			}
			log.Log(level, "request",
				zap.String("URI", v.URI),
				zap.String("Method", v.Method),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.Error(v.Error),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	}
}
