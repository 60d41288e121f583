package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	filterproxy "github.com/always-cache/filterproxy"
	"github.com/always-cache/filterproxy/admin"
	"github.com/always-cache/filterproxy/blacklist"
	"github.com/always-cache/filterproxy/cache"
	"github.com/always-cache/filterproxy/metrics"
	origin "github.com/always-cache/filterproxy/pkg/origin-client"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = "Usage: filterproxy [flags] <port> [blacklistFile]"

// this is set by goreleaser
var version string

type options struct {
	port            int
	blacklistFile   string
	cacheDir        string
	workers         int
	catalog         string
	admin           string
	clientTimeout   time.Duration
	originTimeout   time.Duration
	maxRequestBytes int
	verbosityTrace  bool
	logFilename     string
}

var errUsage = errors.New("invalid arguments")

// parseArgs builds the options from defaults, the config file (if any),
// explicitly set flags and the positional arguments, in increasing precedence.
func parseArgs(args []string, output io.Writer) (options, error) {
	opts := options{
		cacheDir: "./cache",
		workers:  filterproxy.DefaultWorkers,
	}
	var (
		configFlag string
		flagOpts   options
	)

	fs := flag.NewFlagSet("filterproxy", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(output, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&configFlag, "config", "", "Config file (yaml)")
	fs.StringVar(&flagOpts.cacheDir, "cache-dir", opts.cacheDir, "Directory to store cached responses in")
	fs.IntVar(&flagOpts.workers, "workers", opts.workers, "Number of connections handled concurrently")
	fs.StringVar(&flagOpts.catalog, "catalog", "", "Catalog DB file name (use 'memory' for in-memory db)")
	fs.StringVar(&flagOpts.admin, "admin", "", "Address of the admin server, e.g. :9090 (disabled if empty)")
	fs.BoolVar(&flagOpts.verbosityTrace, "vv", false, "Verbosity: trace logging")
	fs.StringVar(&flagOpts.logFilename, "log-file", "", "Log file to use (in addition to stdout)")
	fs.DurationVar(&flagOpts.clientTimeout, "client-timeout", 0, "Timeout for client reads and writes (0 = none)")
	fs.DurationVar(&flagOpts.originTimeout, "origin-timeout", 0, "Timeout for origin reads and writes (0 = none)")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if configFlag != "" {
		config, err := filterproxy.ReadConfigFile(configFlag)
		if err != nil {
			return opts, fmt.Errorf("read config: %w", err)
		}
		applyConfig(&opts, config)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cache-dir":
			opts.cacheDir = flagOpts.cacheDir
		case "workers":
			opts.workers = flagOpts.workers
		case "catalog":
			opts.catalog = flagOpts.catalog
		case "admin":
			opts.admin = flagOpts.admin
		case "vv":
			opts.verbosityTrace = flagOpts.verbosityTrace
		case "log-file":
			opts.logFilename = flagOpts.logFilename
		case "client-timeout":
			opts.clientTimeout = flagOpts.clientTimeout
		case "origin-timeout":
			opts.originTimeout = flagOpts.originTimeout
		}
	})

	positional := fs.Args()
	if len(positional) > 2 {
		return opts, fmt.Errorf("%w: too many arguments", errUsage)
	}
	if len(positional) > 0 {
		port, err := strconv.Atoi(positional[0])
		if err != nil {
			return opts, fmt.Errorf("%w: port %q is not a number", errUsage, positional[0])
		}
		opts.port = port
	}
	if len(positional) > 1 {
		opts.blacklistFile = positional[1]
	}
	if opts.port < 1 || opts.port > 65535 {
		return opts, fmt.Errorf("%w: a port between 1 and 65535 is required", errUsage)
	}
	if opts.workers < 1 {
		return opts, fmt.Errorf("%w: workers must be positive", errUsage)
	}
	return opts, nil
}

func applyConfig(opts *options, config filterproxy.FileConfig) {
	if config.Port != 0 {
		opts.port = config.Port
	}
	if config.Blacklist != "" {
		opts.blacklistFile = config.Blacklist
	}
	if config.CacheDir != "" {
		opts.cacheDir = config.CacheDir
	}
	if config.Workers != 0 {
		opts.workers = config.Workers
	}
	if config.Catalog != "" {
		opts.catalog = config.Catalog
	}
	if config.Admin != "" {
		opts.admin = config.Admin
	}
	if config.ClientTimeout != 0 {
		opts.clientTimeout = config.ClientTimeout
	}
	if config.OriginTimeout != 0 {
		opts.originTimeout = config.OriginTimeout
	}
	if config.MaxRequestBytes != 0 {
		opts.maxRequestBytes = config.MaxRequestBytes
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if version == "" {
		version = "DEV"
	}

	opts, err := parseArgs(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if opts.verbosityTrace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if opts.logFilename != "" {
		logFileOutput, err := os.OpenFile(opts.logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open log file: %v\n", err)
			return 1
		}
		defer logFileOutput.Close()
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	var bl *blacklist.Filter
	if opts.blacklistFile != "" {
		bl, err = blacklist.Load(opts.blacklistFile)
		if err != nil {
			log.Error().Err(err).Str("file", opts.blacklistFile).Msg("Could not load blacklist")
			return 1
		}
		log.Info().Int("entries", bl.Len()).Msg("Loaded blacklist")
	}

	storeOpts := []cache.Option{cache.WithLogger(log.Logger)}
	if opts.catalog != "" {
		// set up sqlite memory provider
		dbFilename := opts.catalog
		if dbFilename == "memory" {
			dbFilename = ""
		}
		catalog, err := cache.NewSQLiteCatalog(dbFilename)
		if err != nil {
			log.Error().Err(err).Msg("Could not open catalog")
			return 1
		}
		defer catalog.Close()
		storeOpts = append(storeOpts, cache.WithCatalog(catalog))
	}

	store, err := cache.Open(opts.cacheDir, storeOpts...)
	if err != nil {
		log.Error().Err(err).Msg("Could not open cache")
		return 1
	}
	if n, err := store.SweepTemp(); err != nil {
		log.Warn().Err(err).Msg("Could not remove stale temp files")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("Removed stale temp files")
	}

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.admin != "" {
		go func() {
			if err := admin.ListenAndServe(ctx, opts.admin, admin.NewRouter(store, log.Logger), log.Logger); err != nil {
				log.Error().Err(err).Msg("Admin server failed")
				stop()
			}
		}()
	}

	proxy := filterproxy.CreateProxy(filterproxy.Config{
		Store:           store,
		Blacklist:       bl,
		Origin:          &origin.Client{Timeout: opts.originTimeout},
		Workers:         opts.workers,
		MaxRequestBytes: opts.maxRequestBytes,
		ClientTimeout:   opts.clientTimeout,
		Logger:          &log.Logger,
	})
	log.Info().Msgf("Proxying on port %d, caching in %s", opts.port, opts.cacheDir)
	if err := proxy.ListenAndServe(ctx, fmt.Sprintf(":%d", opts.port)); err != nil {
		log.Error().Err(err).Msg("Proxy failed")
		return 1
	}
	log.Info().Msg("Shut down")
	return 0
}
