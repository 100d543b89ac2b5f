package treasury

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/twitchtv/twirp"
	"github.com/yiplee/go-cache"
	"golang.org/x/sync/singleflight"
)

func extractBearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	return strings.TrimPrefix(token, "Bearer ")
}

// handleAuth resolves HS256 bearer tokens issued by issuer to the account in
// their subject. Requests without a token pass through anonymous. With an
// empty secret every token is refused.
func handleAuth(issuer string, secret []byte) func(next http.Handler) http.Handler {
	var (
		accounts = cache.New[string, string]()
		sf       singleflight.Group
	)

	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if len(secret) == 0 {
			return nil, errors.New("auth disabled")
		}

		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return secret, nil
	}

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := extractBearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			v, err, _ := sf.Do(token, func() (interface{}, error) {
				if account, ok := accounts.Get(token); ok {
					return account, nil
				}

				var claim jwt.StandardClaims
				if _, err := jwt.ParseWithClaims(token, &claim, keyFunc); err != nil {
					return nil, err
				}

				if claim.Issuer != issuer || claim.Subject == "" {
					return nil, errors.New("auth required")
				}

				// tokens without expiry stay cached for the process lifetime
				if claim.ExpiresAt == 0 {
					accounts.Set(token, claim.Subject)
				}

				return claim.Subject, nil
			})

			if err != nil {
				_ = twirp.WriteError(w, twirp.Unauthenticated.Error(err.Error()))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(ctx, v.(string))))
		}

		return http.HandlerFunc(fn)
	}
}
