package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/tracing"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/go-chi/jwtauth/v5"
	"go.opentelemetry.io/otel"
)

type callerContextKey struct{ name string }

var callerCtxKey = &callerContextKey{"caller"}

var tracer = otel.Tracer("locker-mgmt/auth")

type ProfileFinder interface {
	GetProfile(ctx context.Context, profileID string) (types.Profile, error)
}

// NewTokenAuth returns a HS256 verifier for bearer tokens signed with secret.
func NewTokenAuth(secret string) *jwtauth.JWTAuth {
	return jwtauth.New("HS256", []byte(secret), nil)
}

// RequireCaller verifies the bearer token of a request and resolves its
// subject to a known profile. The resulting caller is stored in the request
// context.
func RequireCaller(tokenAuth *jwtauth.JWTAuth, profiles ProfileFinder) func(http.Handler) http.Handler {
	verify := jwtauth.Verifier(tokenAuth)

	return func(next http.Handler) http.Handler {
		return verify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error

			ctx, span := tracer.Start(r.Context(), "check-auth")
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			logger := logging.GetLoggerFromContext(ctx)

			token, _, err := jwtauth.FromContext(ctx)
			if err != nil || token == nil {
				if err == nil {
					err = errors.New("token missing")
				}
				logger.Info().Err(err).Msg("request not authenticated")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			profile, err := profiles.GetProfile(ctx, token.Subject())
			if err != nil {
				if errors.Is(err, types.ErrNotFound) {
					logger.Warn().Str("sub", token.Subject()).Msg("token subject has no profile")
					http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
					return
				}
				logger.Error().Err(err).Msg("failed to look up profile")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			caller := types.Caller{UserID: profile.ID, Role: profile.Role}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		}))
	}
}

func WithCaller(ctx context.Context, caller types.Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey, caller)
}

// CallerFromContext returns the caller stored by RequireCaller. A request
// without one yields a caller without identity, which every policy rejects.
func CallerFromContext(ctx context.Context) types.Caller {
	caller, ok := ctx.Value(callerCtxKey).(types.Caller)
	if !ok {
		return types.Caller{}
	}
	return caller
}
