package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/utilitywarehouse/git-librarian/auth"
	"github.com/utilitywarehouse/git-librarian/config"
	"github.com/utilitywarehouse/git-librarian/environment"
	"github.com/utilitywarehouse/git-librarian/gitops"
	"github.com/utilitywarehouse/git-librarian/hintqueue"
	"github.com/utilitywarehouse/git-librarian/metadata"
	"github.com/utilitywarehouse/git-librarian/reconciler"
	"github.com/utilitywarehouse/git-librarian/runlock"
	"github.com/utilitywarehouse/git-librarian/runner"
	"github.com/utilitywarehouse/git-librarian/webhookproducer"
)

func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func usage() {
	fmt.Fprintf(os.Stderr, "NAME:\n")
	fmt.Fprintf(os.Stderr, "\tgit-librarian - reconciles Puppet module/environment mirrors from a manifest.\n")
	fmt.Fprintf(os.Stderr, "\nUsage:\n")
	fmt.Fprintf(os.Stderr, "\tgit-librarian [global options]\n")
	fmt.Fprintf(os.Stderr, "\nGLOBAL OPTIONS:\n")
	fmt.Fprintf(os.Stderr, "\t--log-level value          (default: 'info') Log level [$LOG_LEVEL]\n")
	fmt.Fprintf(os.Stderr, "\t--config value              (default: '/etc/git-librarian/config.yaml') Absolute path to the config file [$GIT_LIBRARIAN_CONFIG]\n")
	fmt.Fprintf(os.Stderr, "\t--watch-config value        (default: true) watch config for changes and reload when changed [$GIT_LIBRARIAN_WATCH_CONFIG]\n")
	fmt.Fprintf(os.Stderr, "\t--http-bind-address value   (default: ':9002') The address the web server binds to [$GIT_LIBRARIAN_HTTP_BIND]\n")
	fmt.Fprintf(os.Stderr, "\t--poll-interval value       (default: '1m') How often to run a reconciliation pass in POLL mode [$GIT_LIBRARIAN_POLL_INTERVAL]\n")
	fmt.Fprintf(os.Stderr, "\t--one-time                  (default: 'false') Run a single reconciliation pass and exit [$GIT_LIBRARIAN_ONE_TIME]\n")
	os.Exit(2)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	flagLogLevel := flag.String("log-level", envString("LOG_LEVEL", "info"), "Log level")
	flagConfig := flag.String("config", envString("GIT_LIBRARIAN_CONFIG", "/etc/git-librarian/config.yaml"), "Absolute path to the config file")
	flagWatchConfig := flag.Bool("watch-config", envBool("GIT_LIBRARIAN_WATCH_CONFIG", true), "watch config for changes and reload when changed")
	flagHTTPBind := flag.String("http-bind-address", envString("GIT_LIBRARIAN_HTTP_BIND", ":9002"), "The address the web server binds to")
	pollIntervalDefault := time.Minute
	if v, ok := os.LookupEnv("GIT_LIBRARIAN_POLL_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			pollIntervalDefault = d
		}
	}
	flagPollInterval := flag.Duration("poll-interval", pollIntervalDefault, "How often to run a reconciliation pass in POLL mode")
	flagOneTime := flag.Bool("one-time", envBool("GIT_LIBRARIAN_ONE_TIME", false), "Run a single reconciliation pass and exit")
	flagVersion := flag.Bool("version", false, "git-librarian version")

	flag.Usage = usage
	flag.Parse()

	info, _ := debug.ReadBuildInfo()
	if *flagVersion {
		fmt.Printf("version=%s go=%s\n", info.Main.Version, info.GoVersion)
		return
	}

	logger, _ := config.NewLogger(*flagLogLevel)
	logger.Info("version", "app", info.Main.Version, "go", info.GoVersion)
	logger.Info("config", "path", *flagConfig, "watch", *flagWatchConfig)

	registerer := prometheus.NewRegistry()
	reconciler.EnableMetrics("git_librarian", registerer)
	runner.EnableMetrics("git_librarian", registerer)

	var (
		gitClient *gitops.Client
		resolver  *auth.Resolver
		rl        runlock.RunLock
		hints     *hintqueue.Queue
		md        *metadata.Refresher
		repoRecon *reconciler.RepoReconciler
		envRecon  *reconciler.EnvironmentReconciler
		whHandler *webhookproducer.Handler
		run       *runner.Runner
		pollEvery = *flagPollInterval
	)

	build := func(cfg *config.Config) error {
		var baseEnvs []string
		if cfg.Git.SSHCmdPath != "" {
			baseEnvs = append(baseEnvs, "GIT_SSH="+cfg.Git.SSHCmdPath)
		}
		gitClient = gitops.New("git", logger, baseEnvs)
		resolver = auth.NewResolver(logger, cfg.Main.CacheDir)

		var err error
		rl, err = runlock.New(logger, runlock.Backend(cfg.Lock.Type), cfg.FileLock.LockDir, cfg.Lock.Name)
		if err != nil {
			return fmt.Errorf("unable to build run lock: %w", err)
		}

		hints = hintqueue.New(logger, cfg.Messaging.QueueDir)

		md = metadata.New(metadata.Config{
			RepoMetadataDir: cfg.Main.RepositoryMetadataDir,
			EnvMetadataDir:  cfg.Main.EnvironmentsMetadataDir,
			ManifestPath:    cfg.Main.RepositoryMetadata,
		}, gitClient)

		repoRecon = reconciler.NewRepoReconciler(reconciler.RepoConfig{
			BareDir:           cfg.Main.BareDir,
			CloneDir:          cfg.Main.CloneDir,
			HashPrefix:        cfg.Main.HashPrefix,
			MandatoryBranches: cfg.Main.MandatoryBranches,
		}, gitClient, resolver, hints, logger)

		envMgr := environment.New(environment.Config{
			EnvironmentsDir:       cfg.Main.EnvironmentsDir,
			CloneDir:              cfg.Main.CloneDir,
			CacheDir:              cfg.Main.CacheDir + "/environments",
			EnvMetadataDir:        cfg.Main.EnvironmentsMetadataDir,
			HashPrefix:            cfg.Main.HashPrefix,
			CommonHieradataItems:  cfg.Main.CommonHieradataItems,
			DirectoryEnvironments: cfg.Main.DirectoryEnvironments,
		}, gitClient, logger)

		envRecon = reconciler.NewEnvironmentReconciler(reconciler.EnvConfig{
			EnvMetadataDir:        cfg.Main.EnvironmentsMetadataDir,
			CacheDir:              cfg.Main.CacheDir + "/environments",
			ProtectedEnvironments: cfg.Main.ProtectedEnvironments,
		}, envMgr, logger)

		whHandler = webhookproducer.New(webhookproducer.Config{
			ManifestPath:  cfg.Main.RepositoryMetadataDir + "/" + cfg.Main.RepositoryMetadata,
			SecretToken:   cfg.GitlabProducer.SecretToken,
			FuzzyPrefixes: cfg.GitlabProducer.FuzzyURLPrefixes,
		}, hints, logger)

		run = runner.New(runner.Config{
			BareDir:        cfg.Main.BareDir,
			CloneDir:       cfg.Main.CloneDir,
			CacheDir:       cfg.Main.CacheDir,
			ManifestPath:   cfg.Main.RepositoryMetadataDir + "/" + cfg.Main.RepositoryMetadata,
			EnvMetadataDir: cfg.Main.EnvironmentsMetadataDir,
			HashPrefix:     cfg.Main.HashPrefix,
			Mode:           cfg.Main.Mode,
		}, rl, md, hints, repoRecon, envRecon, logger)
		return nil
	}

	onConfigChange := func(cfg *config.Config) {
		if err := build(cfg); err != nil {
			logger.Error("unable to apply new configuration", "err", err)
		}
	}

	if *flagWatchConfig {
		if err := config.Watch(ctx, logger, *flagConfig, onConfigChange); err != nil {
			logger.Error("unable to watch config", "err", err)
			os.Exit(1)
		}
	} else {
		cfg, err := config.Load(*flagConfig)
		if err != nil {
			logger.Error("unable to load config", "err", err)
			os.Exit(1)
		}
		if err := build(cfg); err != nil {
			logger.Error("unable to build from config", "err", err)
			os.Exit(1)
		}
	}

	if err := run.Run(ctx); err != nil {
		logger.Error("initial reconciliation pass failed", "err", err)
		if *flagOneTime {
			os.Exit(1)
		}
	}

	if *flagOneTime {
		logger.Info("exiting after first pass")
		os.Exit(0)
	}

	server := &http.Server{
		Addr:              *flagHTTPBind,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       5 * time.Second,
		ReadHeaderTimeout: 1 * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/gitlab", func(w http.ResponseWriter, r *http.Request) {
		whHandler.ServeHTTP(w, r)
	})
	server.Handler = mux

	go func() {
		logger.Info("starting web server", "addr", *flagHTTPBind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server terminated", "err", err)
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ticker := time.NewTicker(pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := run.Run(ctx); err != nil {
					logger.Error("reconciliation pass failed", "err", err)
				}
			}
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown http server", "err", err)
	}
	cancel()

	select {
	case <-loopDone:
		logger.Info("reconciliation loop stopped")
		os.Exit(0)
	case <-stop:
		logger.Info("second signal received, terminating")
		os.Exit(1)
	}
}
