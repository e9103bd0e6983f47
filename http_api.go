package jclouds

import (
	gocontext "context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jclouds/legacy-jclouds-sub040/context"
	jcerrors "github.com/jclouds/legacy-jclouds-sub040/errors"
	"github.com/jclouds/legacy-jclouds-sub040/metrics"
	"github.com/jclouds/legacy-jclouds-sub040/ratelimit"
)

// APIHandler serves waits over HTTP.
type APIHandler struct {
	awaiter  *Awaiter
	name     string
	auth     [][]byte
	bootTime time.Time

	awaits  *semaphore.Weighted
	limiter ratelimit.ConcurrencyLimiter
}

// NewAPIHandler creates an APIHandler. auth is a space-delimited list of
// user:password pairs, any of which is accepted; an empty list disables
// authentication. maxAwaits bounds the waits in flight in this process and
// limiter bounds them across processes.
func NewAPIHandler(awaiter *Awaiter, auth string, maxAwaits int, limiter ratelimit.ConcurrencyLimiter) *APIHandler {
	api := &APIHandler{
		awaiter:  awaiter,
		name:     "http-api",
		bootTime: time.Now().UTC(),
		limiter:  limiter,
	}

	for _, pair := range strings.Fields(auth) {
		api.auth = append(api.auth, []byte(pair))
	}

	if maxAwaits > 0 {
		api.awaits = semaphore.NewWeighted(int64(maxAwaits))
	}
	if api.limiter == nil {
		api.limiter = ratelimit.NewNullConcurrencyLimiter()
	}
	if awaiter != nil && awaiter.cfg != nil {
		api.name = fmt.Sprintf("http-api:%s", awaiter.cfg.ProviderName)
	}

	return api
}

// Handler returns the routes of the HTTP API.
func (api *APIHandler) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", api.HealthCheck).Methods("GET")
	r.HandleFunc("/info", api.GetInfo).Methods("GET")

	r.HandleFunc("/jobs/{handle}", api.AwaitJob).Methods("GET")
	r.HandleFunc("/nodes/{id}", api.AwaitNode).Methods("GET")
	r.HandleFunc("/images/{id}", api.AwaitImage).Methods("GET")
	r.HandleFunc("/tasks/{id}", api.AwaitTask).Methods("GET")

	r.Use(api.CheckAuth)
	return r
}

// CheckAuth is a middleware for all HTTP API methods that ensures that one of
// the configured basic auth credentials was passed in the request.
func (api *APIHandler) CheckAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if len(api.auth) == 0 || strings.HasPrefix(req.URL.Path, "/healthz") {
			next.ServeHTTP(w, req)
			return
		}

		username, password, ok := req.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", "Basic realm=\"jclouds-poll\"")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		authBytes := []byte(fmt.Sprintf("%s:%s", username, password))
		for _, pair := range api.auth {
			if subtle.ConstantTimeCompare(authBytes, pair) == 1 {
				next.ServeHTTP(w, req)
				return
			}
		}

		w.WriteHeader(http.StatusForbidden)
	})
}

func (api *APIHandler) HealthCheck(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// GetInfo writes the version and provider of the running process.
func (api *APIHandler) GetInfo(w http.ResponseWriter, req *http.Request) {
	info := apiInfo{
		Version:   VersionString,
		Revision:  RevisionString,
		Generated: GeneratedString,
		Uptime:    time.Since(api.bootTime).String(),
	}
	if api.awaiter != nil {
		info.Jobs = api.awaiter.Orchestrator != nil
		if api.awaiter.cfg != nil {
			info.Provider = api.awaiter.cfg.ProviderName
		}
	}

	writeJSON(w, http.StatusOK, info)
}

func (api *APIHandler) AwaitJob(w http.ResponseWriter, req *http.Request) {
	api.await(w, req, func(ctx gocontext.Context) (*Outcome, error) {
		return api.awaiter.AwaitJob(ctx, mux.Vars(req)["handle"])
	})
}

// AwaitNode waits for a node to be running, or terminated when the state
// query parameter is "terminated".
func (api *APIHandler) AwaitNode(w http.ResponseWriter, req *http.Request) {
	terminated := false
	switch state := req.URL.Query().Get("state"); state {
	case "", "running":
	case "terminated":
		terminated = true
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Message: fmt.Sprintf("unknown node state %q", state),
		})
		return
	}

	api.await(w, req, func(ctx gocontext.Context) (*Outcome, error) {
		return api.awaiter.AwaitNode(ctx, mux.Vars(req)["id"], terminated)
	})
}

func (api *APIHandler) AwaitImage(w http.ResponseWriter, req *http.Request) {
	api.await(w, req, func(ctx gocontext.Context) (*Outcome, error) {
		return api.awaiter.AwaitImage(ctx, mux.Vars(req)["id"])
	})
}

func (api *APIHandler) AwaitTask(w http.ResponseWriter, req *http.Request) {
	api.await(w, req, func(ctx gocontext.Context) (*Outcome, error) {
		return api.awaiter.AwaitTask(ctx, mux.Vars(req)["id"])
	})
}

func (api *APIHandler) await(w http.ResponseWriter, req *http.Request, f func(gocontext.Context) (*Outcome, error)) {
	ctx := req.Context()
	logger := context.LoggerFromContext(ctx).WithFields(logrus.Fields{
		"self": "http_api",
		"path": req.URL.Path,
	})

	if api.awaits != nil {
		if !api.awaits.TryAcquire(1) {
			metrics.Mark("jclouds.http-api.rejected")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: "too many waits in flight"})
			return
		}
		defer api.awaits.Release(1)
	}

	token, ok, err := api.limiter.Acquire(ctx, api.name)
	if err != nil {
		logger.WithField("err", err).Error("couldn't acquire concurrency slot")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: err.Error()})
		return
	}
	if !ok {
		metrics.Mark("jclouds.http-api.rejected")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: "too many waits in flight"})
		return
	}
	defer func() {
		if err := api.limiter.Release(gocontext.Background(), api.name, token); err != nil {
			logger.WithField("err", err).Warn("couldn't release concurrency slot")
		}
	}()

	outcome, err := f(ctx)
	if err != nil {
		status := statusForError(err)
		logger.WithFields(logrus.Fields{
			"err":    err,
			"status": status,
		}).Info("wait failed")

		writeJSON(w, status, errorResponse{Message: messageForError(err)})
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNoJobSupport):
		return http.StatusNotImplemented
	case jcerrors.IsNotFound(err):
		return http.StatusNotFound
	case jcerrors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case jcerrors.IsTerminalState(err):
		return http.StatusConflict
	case jcerrors.IsProviderFailure(err), jcerrors.IsUnrecognizedResult(err):
		return http.StatusBadGateway
	case jcerrors.IsTransient(err), errors.Is(err, gocontext.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageForError(err error) string {
	var ufe jcerrors.UserFacingError
	if errors.As(err, &ufe) {
		return ufe.UserFacingErrorMessage()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type apiInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	Generated string `json:"generated"`
	Uptime    string `json:"uptime"`
	Provider  string `json:"provider"`
	Jobs      bool   `json:"jobs"`
}

type errorResponse struct {
	Message string `json:"error"`
}
