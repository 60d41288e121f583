// Package admin serves the operational HTTP endpoints of the proxy:
// health, prometheus metrics and inspection of the cache catalog.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/always-cache/filterproxy/cache"
	serializer "github.com/always-cache/filterproxy/pkg/response-serializer"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	cachePath       = "/cache"
	contentTypeJSON = "application/json"
	shutdownTimeout = 5 * time.Second
)

var errNoCatalog = errors.New("no catalog configured")

// NewRouter returns the admin handler for the given store.
func NewRouter(store *cache.Store, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route(cachePath, func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			handleList(w, store, log)
		})
		r.Get("/{key}", func(w http.ResponseWriter, r *http.Request) {
			handleEntry(w, store, chi.URLParam(r, "key"), log)
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			handleDelete(w, store, r.URL.Query().Get("uri"), log)
		})
	})

	return r
}

func handleList(w http.ResponseWriter, store *cache.Store, log zerolog.Logger) {
	catalog := store.Catalog()
	if catalog == nil {
		http.Error(w, errNoCatalog.Error(), http.StatusNotFound)
		return
	}
	entries, err := catalog.All()
	if err != nil {
		log.Error().Err(err).Msg("Could not list catalog")
		http.Error(w, "could not list catalog", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"dir":     store.Dir(),
		"entries": entries,
	}, log)
}

// entryInfo describes one cache entry: what the catalog knows about it and the
// head of the stored response.
type entryInfo struct {
	cache.Entry
	Head *serializer.Head `json:"head,omitempty"`
}

func handleEntry(w http.ResponseWriter, store *cache.Store, key string, log zerolog.Logger) {
	f, err := store.OpenEntry(key)
	switch {
	case errors.Is(err, cache.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, cache.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Str("key", key).Msg("Could not open cache entry")
		http.Error(w, "could not open cache entry", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info := entryInfo{Entry: cache.Entry{Key: key}}
	if catalog := store.Catalog(); catalog != nil {
		entry, ok, err := catalog.Get(key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Could not read catalog")
		} else if ok {
			info.Entry = entry
		}
	}
	if head, err := serializer.ReadHead(f); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Stored response has no parseable head")
	} else {
		info.Head = &head
	}
	writeJSON(w, info, log)
}

func handleDelete(w http.ResponseWriter, store *cache.Store, uri string, log zerolog.Logger) {
	if uri == "" {
		http.Error(w, "missing uri parameter", http.StatusBadRequest)
		return
	}
	err := store.Delete(uri)
	switch {
	case err == nil:
		log.Info().Str("uri", uri).Msg("Deleted cache entry")
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, cache.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Error().Err(err).Str("uri", uri).Msg("Could not delete cache entry")
		http.Error(w, "could not delete cache entry", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}, log zerolog.Logger) {
	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Could not write response")
	}
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts the server down.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Admin server listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
