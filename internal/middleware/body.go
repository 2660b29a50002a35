package middleware

import "net/http"

// DefaultMaxBodyBytes bounds a webhook payload. Updates carry file ids, not
// file contents, so they stay well under this.
const DefaultMaxBodyBytes = 1 << 20

// MaxBody limits request bodies to n bytes.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
