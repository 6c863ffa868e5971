package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/imgexplorer/internal/displayvalues"
)

type ctxKey string

const labelLoaderKey ctxKey = "labelLoader"

// DataLoaderMiddleware attaches a fresh display-value loader to each request
// so lookups batch within, and cache only for, that request.
func DataLoaderMiddleware(src displayvalues.Source) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := displayvalues.NewLoader(src)
			ctx := context.WithValue(r.Context(), labelLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LabelLoaderFromContext retrieves the request's loader, or nil.
func LabelLoaderFromContext(ctx context.Context) *displayvalues.Loader {
	if l, ok := ctx.Value(labelLoaderKey).(*displayvalues.Loader); ok {
		return l
	}
	return nil
}
