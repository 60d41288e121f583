// Package filterproxy implements a caching forward proxy for plain HTTP GET requests.
//
// A fixed number of workers accept connections from a shared listener. Each worker
// handles one connection at a time: it parses the request, checks the blacklist,
// serves the response from the on-disk cache if possible and otherwise streams it
// from the origin to the client while saving it to the cache.
package filterproxy

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/always-cache/filterproxy/blacklist"
	"github.com/always-cache/filterproxy/cache"
	"github.com/always-cache/filterproxy/metrics"
	origin "github.com/always-cache/filterproxy/pkg/origin-client"
	requestparser "github.com/always-cache/filterproxy/pkg/request-parser"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers         = 4
	DefaultMaxRequestBytes = 64 << 10
	// pause after a failed accept, so a persistent failure does not spin
	acceptBackoff = 50 * time.Millisecond
)

type Config struct {
	// Storage for cached responses. Required.
	Store *cache.Store
	// Hosts to reject. Nothing is rejected if nil.
	Blacklist *blacklist.Filter
	// Client used to contact origins. A default client is used if nil.
	Origin *origin.Client
	// Number of connections handled concurrently.
	Workers int
	// Maximum size of a request head.
	MaxRequestBytes int
	// Timeout for each read and write on client connections. Zero means no timeout.
	ClientTimeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Proxy struct {
	store           *cache.Store
	blacklist       *blacklist.Filter
	origin          *origin.Client
	workers         int
	maxRequestBytes int
	clientTimeout   time.Duration
	log             zerolog.Logger
}

// CreateProxy initializes a proxy from the config, applying defaults.
func CreateProxy(config Config) *Proxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	p := &Proxy{
		store:           config.Store,
		blacklist:       config.Blacklist,
		origin:          config.Origin,
		workers:         config.Workers,
		maxRequestBytes: config.MaxRequestBytes,
		clientTimeout:   config.ClientTimeout,
		log:             logger,
	}
	if p.origin == nil {
		p.origin = &origin.Client{}
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	if p.maxRequestBytes <= 0 {
		p.maxRequestBytes = DefaultMaxRequestBytes
	}
	return p
}

// ListenAndServe listens on the TCP address and serves connections until ctx is cancelled.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return p.Serve(ctx, ln)
}

// Serve runs the worker pool on the listener. Every worker accepts connections and handles
// them one at a time, so at most Workers connections are in flight; the rest wait in the
// listen backlog.
// Serve returns when ctx is cancelled or the listener is closed. Cancelling ctx closes the listener.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	p.log.Info().Str("addr", ln.Addr().String()).Int("workers", p.workers).Msg("Proxy listening")

	var g errgroup.Group
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			return p.work(ctx, id, ln)
		})
	}
	return g.Wait()
}

func (p *Proxy) work(ctx context.Context, id int, ln net.Listener) error {
	log := p.log.With().Int("worker", id).Logger()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Trace().Msg("Listener closed, worker exiting")
				return nil
			}
			log.Error().Err(err).Msg("Failed to accept incoming connection")
			time.Sleep(acceptBackoff)
			continue
		}
		p.handle(ctx, conn, log)
	}
}

// recover recovers from panics in a connection handler so the worker survives.
func (p *Proxy) recover(log zerolog.Logger) {
	if err := recover(); err != nil {
		log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in connection handler")
	}
}

// handle drives one client connection to completion and closes it.
func (p *Proxy) handle(ctx context.Context, clientConn net.Conn, log zerolog.Logger) {
	defer clientConn.Close()
	log = log.With().Str("sourceIp", sourceIp(clientConn)).Logger()
	defer p.recover(log)
	log.Trace().Msg("Established a new connection")

	conn := origin.WithTimeout(clientConn, p.clientTimeout)

	head, err := requestparser.ReadRequest(conn, p.maxRequestBytes)
	if errors.Is(err, requestparser.ErrEmpty) {
		log.Trace().Msg("Client closed connection")
		return
	}
	if err != nil && !errors.Is(err, requestparser.ErrTooLarge) {
		log.Warn().Err(err).Msg("Error receiving data from client")
		return
	}

	var (
		req    requestparser.Request
		target requestparser.Target
	)
	if err == nil {
		req, err = requestparser.Parse(head)
	}
	if err == nil {
		target, err = requestparser.SplitURI(req.URI)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Rejecting request")
		p.reject(conn, log, outcomeBadRequest, bodyMethodNotAllowed)
		return
	}

	uri := target.CacheURI()
	log = log.With().Str("uri", uri).Logger()

	if p.blacklist.IsBlacklisted(target.Host) {
		log.Debug().Str("host", target.Host).Msg("Host is blacklisted")
		p.reject(conn, log, outcomeForbidden, bodyForbidden)
		return
	}

	var cs CacheStatus
	if p.store.Lookup(uri) {
		n, err := p.store.Read(uri, conn)
		switch {
		case err == nil:
			cs.Hit()
			metrics.RecordLookup("hit")
			metrics.RecordRelayed("cache", n)
			p.logRequest(log, cs, outcomeHit, n)
			return
		case errors.Is(err, cache.ErrReadFailure) && n == 0:
			// the broken entry is gone, fetch it again
			cs.Forward(CacheStatusFwdReadFailure)
			metrics.RecordLookup("read-failure")
		default:
			log.Error().Err(err).Int64("sent", n).Msg("Could not send cached response to client")
			metrics.RecordLookup("hit")
			metrics.RecordRequest(outcomeServiceUnavailable)
			return
		}
	} else {
		cs.Forward(CacheStatusFwdUriMiss)
		metrics.RecordLookup("miss")
	}

	p.forward(ctx, conn, log, req, target, cs)
}

// forward fetches the response from the origin and relays it to the client.
func (p *Proxy) forward(ctx context.Context, client net.Conn, log zerolog.Logger, req requestparser.Request, target requestparser.Target, cs CacheStatus) {
	start := time.Now()
	log.Trace().Str("addr", target.Addr()).Msg("Forwarding to origin")

	upstream, err := p.origin.Fetch(ctx, target.Host, target.Port, requestparser.OriginRequest(req, target))
	if err != nil {
		outcome, body := fetchFailure(err)
		log.Error().Err(err).Msg("Could not fetch response from origin")
		p.reject(client, log, outcome, body)
		return
	}
	defer upstream.Close()

	res := p.relay(client, upstream, target.CacheURI(), log)
	metrics.RecordFetch(time.Since(start).Seconds())
	metrics.RecordRelayed("origin", res.written)

	outcome := outcomeFetched
	switch {
	case errors.Is(res.err, errOriginRecv):
		outcome = outcomeInternalError
	case errors.Is(res.err, errClientSend):
		outcome = outcomeServiceUnavailable
	case !res.accepted:
		outcome = outcomeNotSuccessful
		cs.Detail("status-" + res.status)
	}
	cs.Stored = res.published
	p.logRequest(log, cs, outcome, res.written)
}

// reject sends an error body to the client. The caller closes the connection.
func (p *Proxy) reject(conn net.Conn, log zerolog.Logger, outcome, body string) {
	metrics.RecordRequest(outcome)
	if _, err := conn.Write([]byte(body)); err != nil {
		log.Debug().Err(err).Msg("Could not send error to client")
	}
}

func (p *Proxy) logRequest(log zerolog.Logger, cs CacheStatus, outcome string, written int64) {
	metrics.RecordRequest(outcome)
	isHit := 0
	if cs.Status == CacheStatusHit {
		isHit = 1
	}
	log.Debug().
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Str("outcome", outcome).
		Str("size", humanize.Bytes(uint64(written))).
		Int("hit", isHit).
		Msg(cs.String())
}

func sourceIp(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}
