package dbrouter

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCookieName identifies the client whose pins are tracked.
const DefaultCookieName = "debaterank_client"

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	CookieName string
	Now        func() time.Time
	Logger     *zap.Logger
}

type clientKey struct{}

// ClientIDFromContext returns the client identity assigned by Middleware.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientKey{}).(string)
	return id
}

// readOnlyMethod reports whether a request declares read-only intent.
func readOnlyMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Middleware makes every request one unit of work. GET and HEAD requests
// read from replicas unless the client is pinned; any other method, or a
// pinned client, reads from the primary. A request that wrote pins its
// client for the router's pinning period.
func Middleware(r *Router, pins PinStore, opts MiddlewareOptions) func(http.Handler) http.Handler {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			var clientID string
			if c, err := req.Cookie(opts.CookieName); err == nil && c.Value != "" {
				clientID = c.Value
			} else {
				clientID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     opts.CookieName,
					Value:    clientID,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}

			pinned := false
			until, ok, err := pins.PinnedUntil(req.Context(), clientID)
			if err != nil {
				// Unknown pin state reads from the primary.
				logger.Warn("pin lookup failed, using primary",
					zap.String("client_id", clientID), zap.Error(err))
				pinned = true
			} else if ok && until.After(opts.Now()) {
				pinned = true
			}

			mode := ReadOnly
			if pinned || !readOnlyMethod(req.Method) {
				mode = ReadWrite
			}

			ctx, st := Begin(req.Context(), mode)
			ctx = context.WithValue(ctx, clientKey{}, clientID)

			pin := func() {
				if err := r.BeginPinningWindow(ctx, pins, clientID, opts.Now()); err != nil {
					logger.Warn("begin pinning window failed",
						zap.String("client_id", clientID), zap.Error(err))
				}
			}
			defer func() {
				pin()
				st.SetReadWrite()
			}()

			next.ServeHTTP(&pinningWriter{ResponseWriter: w, pin: pin}, req.WithContext(ctx))
		})
	}
}

// pinningWriter stores the client's pin before the first byte of the
// response leaves, so a client that reacts to a streamed response is already
// pinned when its next request arrives.
type pinningWriter struct {
	http.ResponseWriter
	pin    func()
	pinned bool
}

func (w *pinningWriter) beforeWrite() {
	if !w.pinned {
		w.pinned = true
		w.pin()
	}
}

func (w *pinningWriter) WriteHeader(code int) {
	w.beforeWrite()
	w.ResponseWriter.WriteHeader(code)
}

func (w *pinningWriter) Write(b []byte) (int, error) {
	w.beforeWrite()
	return w.ResponseWriter.Write(b)
}

func (w *pinningWriter) Flush() {
	w.beforeWrite()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *pinningWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
