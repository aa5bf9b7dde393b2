package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenTTL is the lifetime of a UI session token (7 days).
const tokenTTL = 7 * 24 * time.Hour

// Claims holds the JWT claims for UI session authentication.
type Claims struct {
	User string `json:"user"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed JWT for a UI login.
func GenerateToken(secret []byte, user string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(tokenTTL)

	claims := Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "telecore",
			Subject:   user,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// verifyToken parses and validates a session token, returning its claims.
func verifyToken(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.User == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// requireAuth validates JWT bearer tokens on protected endpoints. The
// WebSocket endpoint cannot set headers from a browser, so a token query
// parameter is accepted as a fallback.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""
		if h := r.Header.Get("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if _, err := verifyToken(s.cfg.Secret, tokenString); err != nil {
			s.logger.Debug("rejected api token", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkLogin compares submitted credentials against the configured pair
// in constant time.
func (s *Server) checkLogin(user, password string) bool {
	if s.cfg.User == "" || s.cfg.Password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}
