package router

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/shandysiswandi/unimq/internal/pkg/config"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
)

// Handler returns a payload to encode as the data of a success envelope, or
// an error mapped through goerror.
type Handler func(r *Request) (any, error)

// Config holds what NewRouter wires into the default middleware chain.
type Config struct {
	Config     config.Config
	UUID       uid.StringID
	Instrument instrument.Instrumentation
}

// Router serves the operational and job endpoints. Every route runs behind
// recover, client IP, correlation ID, observability and maintenance, in that
// order.
type Router struct {
	mux   *httprouter.Router
	chain []Middleware
}

func NewRouter(cfg Config) *Router {
	mux := httprouter.New()
	mux.SaveMatchedRoutePath = true
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "endpoint not found")
	})
	mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	mux.GET("/", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeMessage(w, http.StatusOK, "Welcome to unimq")
	})

	return &Router{
		mux: mux,
		chain: []Middleware{
			middlewareRecoverer,
			middlewareIP(cfg.Config),
			middlewareCorrelationID(cfg.UUID),
			middlewareObservability(cfg.Config, cfg.Instrument),
			middlewareMaintenance(cfg.Config),
		},
	}
}

func (r *Router) GET(path string, h Handler, mws ...Middleware) {
	r.handle(http.MethodGet, path, h, mws)
}

func (r *Router) POST(path string, h Handler, mws ...Middleware) {
	r.handle(http.MethodPost, path, h, mws)
}

func (r *Router) handle(method, path string, h Handler, extra []Middleware) {
	mws := make([]Middleware, 0, len(r.chain)+len(extra))
	mws = append(append(mws, r.chain...), extra...)

	r.mux.Handler(method, path, Chain(adapt(h), mws...))
}

// adapt turns a Handler into an http.Handler. Errors are also handed to the
// observability recorder so spans carry them.
func adapt(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		resp, err := h(&Request{Request: req})
		if err == nil {
			writeSuccess(w, resp)
			return
		}
		if rec, ok := w.(errorRecorder); ok {
			rec.SetError(err)
		}
		writeError(w, err)
	})
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
