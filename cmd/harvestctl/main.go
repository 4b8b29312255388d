// Package main provides harvestctl, the citation-harvesting service entry
// point: it wires the Job Engine, the Stratified Harvester, the Page
// Buffer's drain loop, and the Operator Control Surface into one process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/thereferee/harvester/internal/aggregate"
	"github.com/thereferee/harvester/internal/api"
	hconfig "github.com/thereferee/harvester/internal/config"
	"github.com/thereferee/harvester/internal/harvester"
	"github.com/thereferee/harvester/internal/jobengine"
	"github.com/thereferee/harvester/internal/llmoracle"
	"github.com/thereferee/harvester/internal/model"
	"github.com/thereferee/harvester/internal/pagebuffer"
	"github.com/thereferee/harvester/internal/partition"
	"github.com/thereferee/harvester/internal/searchclient"
	"github.com/thereferee/harvester/internal/store"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "harvestctl"
)

// harvestProfile overrides a subset of harvester.DefaultConfig from an
// optional YAML file (SPEC_FULL.md §2: "optional YAML harvest-profile file
// overriding env defaults"). Fields left unset in the file keep their env
// or default value.
type harvestProfile struct {
	SkipThreshold          *int     `yaml:"skip_threshold"`
	MaxCitationsPerEdition *int     `yaml:"max_citations_per_edition"`
	SmartSkipRatio         *float64 `yaml:"smart_skip_ratio"`
	AutoCompleteRatio      *float64 `yaml:"auto_complete_ratio"`
	CommonExcludedVenues   []string `yaml:"common_excluded_venues"`
}

func (p *harvestProfile) applyTo(cfg *harvester.Config) {
	if p.SkipThreshold != nil {
		cfg.SkipThreshold = *p.SkipThreshold
	}

	if p.MaxCitationsPerEdition != nil {
		cfg.MaxCitationsPerEdition = *p.MaxCitationsPerEdition
	}

	if p.SmartSkipRatio != nil {
		cfg.SmartSkipRatio = *p.SmartSkipRatio
	}

	if p.AutoCompleteRatio != nil {
		cfg.AutoCompleteRatio = *p.AutoCompleteRatio
	}

	if len(p.CommonExcludedVenues) > 0 {
		cfg.CommonExcludedVenues = p.CommonExcludedVenues
	}
}

func loadHarvestProfile(path string, cfg *harvester.Config, logger *slog.Logger) {
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("harvest profile not readable, using env defaults", slog.String("path", path), slog.Any("error", err))

		return
	}

	var profile harvestProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		logger.Error("harvest profile invalid, using env defaults", slog.String("path", path), slog.Any("error", err))

		return
	}

	profile.applyTo(cfg)
	logger.Info("loaded harvest profile", slog.String("path", path))
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	// Best-effort local dev convenience; production deployments set real
	// environment variables and a missing .env is not an error.
	_ = godotenv.Load()

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting harvester service", slog.String("service", name), slog.String("version", version))

	conn, err := store.NewConnection(&store.Config{
		DatabaseURL:     hconfig.GetEnvStr("HARVESTER_DATABASE_URL", ""),
		MaxOpenConns:    hconfig.GetEnvInt("HARVESTER_DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    hconfig.GetEnvInt("HARVESTER_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: hconfig.GetEnvDuration("HARVESTER_DB_CONN_MAX_LIFETIME", 0),
		ConnMaxIdleTime: hconfig.GetEnvDuration("HARVESTER_DB_CONN_MAX_IDLE_TIME", 0),
	})
	if err != nil {
		logger.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer conn.Close()

	seeds := store.NewSeedPaperStore(conn)
	editions := store.NewEditionStore(conn)
	citations := store.NewCitationStore(conn)
	targets := store.NewHarvestTargetStore(conn)
	failed := store.NewFailedFetchStore(conn)
	jobs := store.NewJobStore(conn)
	partitions := store.NewPartitionStore(conn)
	apiCallLogs := store.NewAPICallLogStore(conn)
	operators := store.NewOperatorTokenStore(conn)

	bufferDir := hconfig.GetEnvStr("HARVESTER_PAGE_BUFFER_DIR", "./data/page-buffer")

	buffer, err := pagebuffer.New(bufferDir, logger)
	if err != nil {
		logger.Error("page buffer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	searchClient := searchclient.New(searchclient.Config{
		ProxyEndpoint:    hconfig.GetEnvStr("HARVESTER_PROXY_ENDPOINT", ""),
		ProxyUsername:    hconfig.GetEnvStr("HARVESTER_PROXY_USERNAME", ""),
		ProxyPassword:    hconfig.GetEnvStr("HARVESTER_PROXY_PASSWORD", ""),
		AllowDirectFetch: hconfig.GetEnvBool("HARVESTER_ALLOW_DIRECT_FETCH", false),
	}, apiCallLogs, logger)

	var oracle llmoracle.Oracle
	if oracleURL := hconfig.GetEnvStr("HARVESTER_LLM_ORACLE_URL", ""); oracleURL != "" {
		oracle = llmoracle.NewHTTPOracle(oracleURL, hconfig.GetEnvStr("HARVESTER_LLM_ORACLE_API_KEY", ""),
			hconfig.GetEnvStr("HARVESTER_LLM_ORACLE_MODEL", "gpt-4o-mini"))
	} else {
		logger.Warn("no LLM oracle configured, partition planning falls back to author-letter partitioning")
		oracle = llmoracle.NewStaticOracle()
	}

	planner := partition.New(partitions, oracle, logger)
	agg := aggregate.New(editions, seeds)

	harvestCfg := harvester.DefaultConfig()
	harvestCfg.DefaultMinYear = hconfig.GetEnvInt("HARVESTER_DEFAULT_MIN_YEAR", harvestCfg.DefaultMinYear)
	harvestCfg.SkipThreshold = hconfig.GetEnvInt("HARVESTER_SKIP_THRESHOLD", harvestCfg.SkipThreshold)
	harvestCfg.MaxCitationsPerEdition = hconfig.GetEnvInt("HARVESTER_MAX_CITATIONS_PER_EDITION", harvestCfg.MaxCitationsPerEdition)
	harvestCfg.SmartSkipRatio = hconfig.GetEnvFloat("HARVESTER_SMART_SKIP_RATIO", harvestCfg.SmartSkipRatio)
	harvestCfg.AutoCompleteRatio = hconfig.GetEnvFloat("HARVESTER_AUTO_COMPLETE_RATIO", harvestCfg.AutoCompleteRatio)

	loadHarvestProfile(hconfig.GetEnvStr("HARVESTER_PROFILE_PATH", ""), &harvestCfg, logger)

	h := harvester.New(harvestCfg, harvester.Deps{
		Search:    searchClient,
		Buffer:    buffer,
		Citations: citations,
		Editions:  editions,
		Seeds:     seeds,
		Targets:   targets,
		Failed:    failed,
		Jobs:      jobs,
		Aggregate: agg,
		Planner:   planner,
		Oracle:    oracle,
	}, logger)

	handlers := map[model.JobKind]jobengine.Handler{
		model.JobKindResolve:              h.HandleResolve,
		model.JobKindExtractCitations:     h.HandleExtractCitations,
		model.JobKindPartitionHarvestTest: h.HandlePartitionHarvestTest,
		model.JobKindRetryFailedFetches:   h.HandleRetryFailedFetches,
		model.JobKindVerifyAndRepair:      h.HandleVerifyAndRepair,
	}

	engineCfg := jobengine.DefaultConfig()
	engineCfg.Workers = hconfig.GetEnvInt("HARVESTER_WORKERS", engineCfg.Workers)

	engine := jobengine.NewEngine(engineCfg, jobengine.Deps{
		Jobs:     jobs,
		Editions: editions,
		Targets:  targets,
		Seeds:    seeds,
	}, handlers, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-stop
		logger.Info("shutdown signal received, stopping engine and drain loop")
		cancel()
	}()

	go engine.Run(ctx) //nolint:errcheck // Run only returns ctx.Err() on shutdown
	go buffer.Drain(ctx, h)

	server := api.NewServer(&serverConfig, engine, conn, buffer, jobs, apiCallLogs, operators)

	if err := server.Start(); err != nil {
		logger.Error("control surface failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("harvester service stopped")
}
