package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	graphcdn "github.com/StarpTech/GraphCDN"
	"github.com/StarpTech/GraphCDN/cache"
	"github.com/StarpTech/GraphCDN/pkg/schema"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	portFlag           int
	ttlFlag            int
	privateTypesFlag   string
	schemaFileFlag     string
	providerFlag       string
	dbFilenameFlag     string
	redisAddrFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin GraphQL endpoint URL (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&ttlFlag, "ttl", 0, "Default TTL in seconds (overrides config)")
	flag.StringVar(&privateTypesFlag, "private-types", "", "Comma-separated type names with viewer-specific data (overrides config)")
	flag.StringVar(&schemaFileFlag, "schema", "", "Path to schema SDL file (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: memory, sqlite or redis (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name for the sqlite provider")
	flag.StringVar(&redisAddrFlag, "redis-addr", "", "Redis address for the redis provider")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
	}

	applyOverrides(&config, flagsPassed())
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	cdnConfig := graphcdn.Config{
		OriginURL:    *originURL,
		DefaultTTL:   config.DefaultTTL,
		PrivateTypes: config.PrivateTypes,
	}

	// use configured provider, default to sqlite
	switch config.Provider {
	case "memory":
		cdnConfig.Cache = cache.NewMemCache()
	case "sqlite", "":
		sqliteCache, err := cache.NewSQLiteCache(config.DBFilename)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open cache db")
		}
		defer sqliteCache.Close()
		cdnConfig.Cache = sqliteCache
	case "redis":
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{
			Address:  config.Redis.Address,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to redis")
		}
		cdnConfig.Cache = redisCache
	default:
		log.Fatal().Msgf("Unsupported cache provider: %s", config.Provider)
	}

	if config.SchemaFile != "" {
		source, err := schema.NewFileSource(config.SchemaFile, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not load schema")
		}
		defer source.Close()
		cdnConfig.Schema = source
	} else if len(config.PrivateTypes) > 0 {
		log.Warn().Msg("Private types configured without a schema, queries will not be scoped per identity")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	cdnConfig.Metrics = graphcdn.NewMetrics(registry)
	cdnConfig.Logger = &log.Logger

	cdn := graphcdn.New(cdnConfig)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	router.Method("GET", "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Handle("/*", cdn)

	log.Info().Msgf("Caching port %v for origin %s", config.Port, config.Origin)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), router); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// flagsPassed records which flags were given on the command line, so a
// passed flag can be told apart from its default value.
func flagsPassed() map[string]bool {
	passed := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		passed[f.Name] = true
	})
	return passed
}

// flags override the config file; flag defaults apply only where the
// config file leaves the value unset
func applyOverrides(config *Config, passed map[string]bool) {
	if originFlag != "" {
		config.Origin = originFlag
	}
	if ttlFlag > 0 {
		config.DefaultTTL = ttlFlag
	}
	if privateTypesFlag != "" {
		config.PrivateTypes = splitTypeNames(privateTypesFlag)
	}
	if schemaFileFlag != "" {
		config.SchemaFile = schemaFileFlag
	}
	if providerFlag != "" {
		config.Provider = providerFlag
	}
	if passed["port"] || config.Port <= 0 {
		config.Port = portFlag
	}
	if passed["db"] || config.DBFilename == "" {
		config.DBFilename = dbFilenameFlag
	}
	if redisAddrFlag != "" {
		config.Redis.Address = redisAddrFlag
	}
}

func splitTypeNames(list string) []string {
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
