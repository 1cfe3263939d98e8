// Package auth gates requests on an externally issued credential. The core
// never implements identity itself: a Verifier maps a credential to a
// principal or rejects, and that decision happens before any session exists.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamrelay/streamrelay/pkg/utils"
)

// ErrRejected means the credential did not verify.
var ErrRejected = errors.New("credential rejected")

// Principal is the verified caller identity.
type Principal struct {
	Subject string
}

// Verifier validates a raw credential.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// JWTVerifier validates HMAC-signed bearer tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(_ context.Context, credential string) (Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(credential, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrRejected)
	}

	return Principal{Subject: subject}, nil
}

type principalKey struct{}

// PrincipalFrom returns the verified principal stored by Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Credential extracts the raw credential from an Authorization bearer header
// or, for websocket clients that cannot set headers after the handshake
// begins, from the token query parameter.
func Credential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects unverified requests with 401 before they reach any
// delivery strategy. A nil verifier leaves the chain open.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				next.ServeHTTP(w, r)
				return
			}

			credential := Credential(r)
			if credential == "" {
				utils.RespondError(w, http.StatusUnauthorized, "credential required")
				return
			}

			principal, err := v.Verify(r.Context(), credential)
			if err != nil {
				log.Printf("[auth] rejected credential: %v", err)
				utils.RespondError(w, http.StatusUnauthorized, "credential rejected")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
