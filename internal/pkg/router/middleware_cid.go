package router

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
)

const (
	HeaderCorrelationID = instrument.HeaderCorrelationID
	// HeaderRequestID is honored when a proxy set it and no correlation ID
	// came with the request.
	HeaderRequestID = "X-Request-ID"

	maxCorrelationIDLen = 128
)

// inboundCorrelationID returns the first usable ID among the accepted headers.
// Values with control characters are dropped so they cannot split log lines
// or response headers.
func inboundCorrelationID(h http.Header) string {
	for _, name := range [...]string{HeaderCorrelationID, HeaderRequestID} {
		v := strings.TrimSpace(h.Get(name))
		if v == "" || strings.IndexFunc(v, unicode.IsControl) >= 0 {
			continue
		}
		if len(v) > maxCorrelationIDLen {
			v = v[:maxCorrelationIDLen]
		}
		return v
	}
	return ""
}

// middlewareCorrelationID stores the request's correlation ID on the context,
// where producers copy it into message headers, and echoes it back.
func middlewareCorrelationID(gen uid.StringID) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cid := inboundCorrelationID(r.Header)
			if cid == "" && gen != nil {
				cid = gen.Generate()
			}
			if cid == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set(HeaderCorrelationID, cid)
			next.ServeHTTP(w, r.WithContext(instrument.SetCorrelationID(r.Context(), cid)))
		})
	}
}
