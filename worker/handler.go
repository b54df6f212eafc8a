package worker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fetchpool/fetchpool/rpc"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
)

// Handler returns the RPC router of the worker.
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(w.log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("RPC call")
	}))

	r.Post(rpc.PathFetch, w.handleFetch)
	r.Get(rpc.PathHealth, w.handleHealth)
	r.Post(rpc.PathClearCache, w.handleClearCache)
	r.Get(rpc.PathStats, w.handleStats)
	return r
}

func (w *Worker) handleFetch(rw http.ResponseWriter, r *http.Request) {
	var args rpc.FetchArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid arguments: "+err.Error())
		return
	}
	if args.URL == "" {
		writeError(rw, http.StatusBadRequest, "url is required")
		return
	}
	writeReply(rw, w.Fetch(args.URL))
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	reply, err := w.Health()
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Health check failed")
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeReply(rw, reply)
}

func (w *Worker) handleClearCache(rw http.ResponseWriter, r *http.Request) {
	if err := w.ClearCache(); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not clear cache")
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeReply(rw, rpc.ClearCacheReply{OK: true})
}

func (w *Worker) handleStats(rw http.ResponseWriter, r *http.Request) {
	reply, err := w.Stats()
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	writeReply(rw, reply)
}

func writeReply(rw http.ResponseWriter, reply interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(reply)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(rpc.ErrorReply{Error: msg})
}
