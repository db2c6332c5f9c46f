package management

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/bridge/core/logger"
)

// RoleAdmin is the role a token must carry to use the management API
const RoleAdmin = "admin"

// Claims are the claims of a management token
type Claims struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

// NewJwtMiddleware returns a middleware which only lets requests with a valid
// HS256 bearer token of an admin pass. If issuer is not empty, the token must
// be issued by it.
func NewJwtMiddleware(secret []byte, issuer string) mux.MiddlewareFunc {
	if len(secret) == 0 {
		panic("secret is missing")
	}
	keyLookup := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rlog := logger.FromContext(r.Context())
			bearer := r.Header.Get("Authorization")
			if len(bearer) < 8 || strings.ToLower(bearer[:7]) != "bearer " {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			claims := Claims{}
			token, err := jwt.ParseWithClaims(bearer[7:], &claims, keyLookup)
			if err != nil || !token.Valid || (issuer != "" && claims.Issuer != issuer) {
				rlog.WithError(err).Debug("invalid token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.Role != RoleAdmin {
				http.Error(w, "not authorized", http.StatusForbidden)
				return
			}
			rlog.WithField("subject", claims.Subject).Trace("admin authorized")
			h.ServeHTTP(w, r)
		})
	}
}

// NewToken signs an admin token, used by tools and tests
func NewToken(secret []byte, issuer, subject string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: RoleAdmin,
		StandardClaims: jwt.StandardClaims{
			Issuer:  issuer,
			Subject: subject,
		},
	})
	return token.SignedString(secret)
}
