package i18n

import "net/http"

// Middleware injects the localizer for the given language into every request context.
// A "lang" query parameter naming a loaded locale overrides it for that request.
func Middleware(lang string) func(http.Handler) http.Handler {
	loc := NewLocalizer(lang)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l, reqLang := loc, lang
			if q := r.URL.Query().Get("lang"); q != "" && q != lang && Supported(q) {
				l, reqLang = NewLocalizer(q), q
			}
			ctx := WithLang(WithLocalizer(r.Context(), l), reqLang)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
