package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorContextKey contextKey = "actor"

const (
	ActorOperator = "operator"
	ActorService  = "service"
	ActorUser     = "user"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingClaims  = errors.New("missing actor claims")
	ErrUnknownKeyID   = errors.New("unknown signing key id")
	ErrActorForbidden = errors.New("actor type not permitted")
)

type Actor struct {
	ID   string
	Type string
}

type JWTVerifier struct {
	keyset HMACKeyset
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{keyset: HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}}}
}

func NewJWTVerifierWithKeyset(ks HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keyset: ks}
}

func (v *JWTVerifier) key(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = v.keyset.ActiveKID
	}
	secret, ok := v.keyset.Keys[kid]
	if !ok {
		return nil, ErrUnknownKeyID
	}
	return secret, nil
}

func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, v.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	actorType, _ := claims["actor_type"].(string)
	if sub == "" || actorType == "" {
		return Actor{}, ErrMissingClaims
	}
	return Actor{ID: sub, Type: actorType}, nil
}

type JWTSigner struct {
	keyset HMACKeyset
	issuer string
}

func NewJWTSigner(secret string) *JWTSigner {
	return NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}})
}

func NewJWTSignerWithKeyset(ks HMACKeyset) *JWTSigner {
	return &JWTSigner{keyset: ks, issuer: "open-escrow"}
}

// SignActor mints a token for actor valid for ttl from now.
func (s *JWTSigner) SignActor(actor Actor, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if actor.ID == "" || actor.Type == "" {
		return "", time.Time{}, ErrMissingClaims
	}
	secret, ok := s.keyset.Keys[s.keyset.ActiveKID]
	if !ok {
		return "", time.Time{}, ErrUnknownKeyID
	}
	exp := now.Add(ttl).UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        actor.ID,
		"actor_type": actor.Type,
		"iss":        s.issuer,
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	})
	tok.Header["kid"] = s.keyset.ActiveKID
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler) http.Handler {
	return HTTPJWTMiddlewareWithSkips(verifier, next, nil)
}

func HTTPJWTMiddlewareWithSkips(verifier *JWTVerifier, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tok := strings.TrimPrefix(h, "Bearer ")
		actor, err := verifier.ParseActor(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireActorTypes rejects requests whose authenticated actor is not one of
// types. It must run after the JWT middleware.
func RequireActorTypes(types ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, "missing actor", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[actor.Type]; !ok {
				http.Error(w, ErrActorForbidden.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
