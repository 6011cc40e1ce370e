package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
)

// MaxBodyBytes caps request bodies read by Bind. Job texts are submitted
// inline, so the cap is generous.
const MaxBodyBytes = 8 << 20

// Request is what a Handler receives.
type Request struct {
	*http.Request
}

// Param returns the named path segment, such as :topic.
func (r *Request) Param(name string) string {
	return httprouter.ParamsFromContext(r.Context()).ByName(name)
}

// QueryInt parses an optional integer query parameter. Missing or blank
// values yield 0.
func (r *Request) QueryInt(name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, goerror.NewInvalidFormat(name + " must be an integer")
	}
	return int(n), nil
}

// Bind decodes exactly one JSON object into dst. Unknown fields, trailing
// data and bodies over MaxBodyBytes are rejected as malformed.
func (r *Request) Bind(dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return goerror.NewInvalidFormat()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return goerror.NewInvalidFormat()
	}
	if len(body) > MaxBodyBytes {
		return goerror.NewInvalidFormat("request body is too large")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return goerror.NewInvalidFormat()
	}
	if !errors.Is(dec.Decode(&struct{}{}), io.EOF) {
		return goerror.NewInvalidFormat()
	}
	return nil
}
