package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
)

// Identity headers set by the API gateway after authenticating the caller.
const (
	HeaderUserID    = "X-User-ID"
	HeaderCompanyID = "X-Company-ID"
)

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID    string
	CompanyID string
}

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// requireCaller rejects requests without gateway identity headers and
// forwards the Authorization header to downstream service calls.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := Caller{
			UserID:    r.Header.Get(HeaderUserID),
			CompanyID: r.Header.Get(HeaderCompanyID),
		}
		if c.UserID == "" || c.CompanyID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]errorBody{
				"error": {Code: "UNAUTHENTICATED", Message: "missing caller identity"},
			})
			return
		}
		ctx := WithCaller(r.Context(), c)
		ctx = client.WithAuthorization(ctx, r.Header.Get("Authorization"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs one line per request.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := log.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = log.Error()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// rateLimit limits each caller to limit requests per minute, keyed by the
// gateway user id and falling back to the client IP. A limit of zero
// disables it.
func rateLimit(limit int) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := time.Minute
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if id := r.Header.Get(HeaderUserID); id != "" {
				return "user:" + id, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]errorBody{
				"error": {Code: "RATE_LIMITED", Message: "too many requests"},
			})
		}),
	)
}

// writeError maps an application error onto the HTTP error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}
	if code == errors.ErrCodeInternal {
		body.Message = "internal error"
	}
	writeJSON(w, errors.HTTPStatus(code), map[string]errorBody{"error": body})
}
