package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/hosted"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

// Claims are the access token claims issued by the hosted auth service. The
// subject is the user ID.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserLookup verifies a token remotely.
type UserLookup interface {
	GetUser(ctx context.Context, accessToken string) (hosted.User, error)
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// Secret verifies HS256 tokens locally. Empty disables local checks.
	Secret string
	// Lookup resolves tokens the local check cannot verify.
	Lookup UserLookup
	// Admin reports whether a user ID is a platform admin.
	Admin func(userID string) bool
	// Public reports whether a request may proceed anonymously.
	Public func(r *http.Request) bool
}

// Auth authenticates bearer tokens.
type Auth struct {
	secret []byte
	lookup UserLookup
	admin  func(string) bool
	public func(*http.Request) bool
	log    *logger.Logger
}

// NewAuth creates the authentication middleware.
func NewAuth(cfg AuthConfig, log *logger.Logger) *Auth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	a := &Auth{lookup: cfg.Lookup, admin: cfg.Admin, public: cfg.Public, log: log}
	if cfg.Secret != "" {
		a.secret = []byte(cfg.Secret)
	}
	if a.admin == nil {
		a.admin = func(string) bool { return false }
	}
	if a.public == nil {
		a.public = func(*http.Request) bool { return false }
	}
	return a
}

// Handler requires a valid token except on public requests, where a token
// is still honoured when present.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		public := a.public(r)
		token, err := bearerToken(r)
		if err != nil {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			WriteError(w, r, err)
			return
		}

		id, err := a.authenticate(r.Context(), token)
		if err != nil {
			if public {
				next.ServeHTTP(w, r)
				return
			}
			a.log.WithError(err).
				WithField("path", r.URL.Path).
				WithField("trace_id", GetTraceID(r.Context())).
				Warn("authentication failed")
			WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set headers on websocket upgrades.
		if token := r.URL.Query().Get("access_token"); token != "" && isWebsocket(r) {
			return token, nil
		}
		return "", apperrors.Unauthorized("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", apperrors.Unauthorized("invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (a *Auth) authenticate(ctx context.Context, token string) (Identity, error) {
	if len(a.secret) > 0 {
		claims, err := a.parse(token)
		if err == nil {
			return a.identity(claims.Subject, claims.Email, claims.Role), nil
		}
		if a.lookup == nil {
			return Identity{}, err
		}
	}
	if a.lookup == nil {
		return Identity{}, apperrors.Unauthorized("authentication is not configured")
	}
	user, err := a.lookup.GetUser(ctx, token)
	if err != nil {
		return Identity{}, apperrors.InvalidToken(err)
	}
	return a.identity(user.ID, user.Email, user.Role), nil
}

func (a *Auth) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, apperrors.InvalidToken(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, apperrors.InvalidToken(nil).WithDetails("reason", "subject missing")
	}
	return claims, nil
}

func (a *Auth) identity(userID, email, role string) Identity {
	return Identity{
		UserID: userID,
		Email:  email,
		Role:   role,
		Admin:  a.admin(userID) || role == "admin",
	}
}

// RequireAdmin rejects callers that are not platform admins.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			WriteError(w, r, apperrors.Unauthorized(""))
			return
		}
		if !id.Admin {
			WriteError(w, r, apperrors.Forbidden("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
