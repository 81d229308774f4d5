package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluele/gcache"
	"github.com/joho/godotenv"

	"github.com/camnvr/camnvr/src/cmd/camnvr/internal/flag"
	"github.com/camnvr/camnvr/src/configs"
	"github.com/camnvr/camnvr/src/consts"
	"github.com/camnvr/camnvr/src/engine"
	"github.com/camnvr/camnvr/src/ingest"
	"github.com/camnvr/camnvr/src/instance"
	"github.com/camnvr/camnvr/src/log"
	"github.com/camnvr/camnvr/src/pkg/archive"
	"github.com/camnvr/camnvr/src/pkg/events"
	"github.com/camnvr/camnvr/src/pkg/sentry"
	"github.com/camnvr/camnvr/src/recording"
	"github.com/camnvr/camnvr/src/schedule"
	"github.com/camnvr/camnvr/src/servers"
	"github.com/camnvr/camnvr/src/sessions"
	"github.com/camnvr/camnvr/src/store"
)

func getConfig() (*configs.Config, error) {
	if *flag.Conf != "" {
		return configs.NewConfigWithFile(*flag.Conf)
	}
	config := flag.GenConfigFromFlags()
	return config, config.Verify()
}

func main() {
	defer sentry.Flush(2 * time.Second)
	defer sentry.Recover()

	// A .env besides the binary can carry credentials that should not live
	// in the config file.
	_ = godotenv.Load()

	config, err := getConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	configs.SetCurrentConfig(config)

	sentryDSN := config.SentryDSN
	if sentryDSN == "" {
		sentryDSN = os.Getenv("SENTRY_DSN")
	}
	environment := "production"
	if config.Debug {
		environment = "development"
	}
	if err := sentry.Init(sentryDSN, environment, consts.AppVersion); err != nil {
		fmt.Fprintf(os.Stderr, "sentry init failed: %v\n", err)
	}

	inst := new(instance.Instance)
	inst.Cache = gcache.New(4096).LRU().Build()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	ctx := instance.WithInstance(rootCtx, inst)

	logger := log.New(ctx)
	logger.Infof("%s version: %s starting", consts.AppName, consts.AppVersion)
	if config.File() != "" {
		logger.Debugf("config path: %s.", config.File())
		logger.Debugf("other flags have been ignored.")
	} else {
		logger.Debugf("config file is not used.")
		logger.Debugf("flag: %s used.", os.Args)
	}

	if err := os.MkdirAll(config.Recording.RecordingsRoot, 0o755); err != nil {
		logger.WithError(err).Fatal("failed to create recordings root")
	}

	db, err := store.NewSQLiteStore(config.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("failed to open metadata store")
	}
	inst.Store = db

	events.NewDispatcher(ctx)

	eng := engine.NewEngine(ctx, config)
	recordingManager := recording.NewManager(ctx)
	cleanup := recording.NewCleanup(ctx)
	sessionManager := sessions.NewManager(ctx)
	evaluator := schedule.NewEvaluator(ctx)
	ingestor := ingest.NewIngestor(ctx)
	uploader := archive.NewUploader(ctx)

	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start pipeline engine")
	}
	if err := recordingManager.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start recording manager")
	}
	if err := cleanup.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start cleanup task")
	}
	if err := sessionManager.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start session manager")
	}
	if err := evaluator.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start schedule evaluator")
	}
	// Event ingest and archive are optional integrations; a dead broker or
	// bucket must not keep the recorder down.
	if err := ingestor.Start(ctx); err != nil {
		logger.WithError(err).Warn("event ingest unavailable")
	}
	if err := uploader.Start(ctx); err != nil {
		logger.WithError(err).Warn("segment archive unavailable")
	}

	var server *servers.Server
	if config.RPC.Enable {
		server = servers.NewServer(ctx)
		if err := server.Start(ctx); err != nil {
			logger.WithError(err).Fatal("failed to start http server")
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	logger.Info("shutting down")

	if server != nil {
		server.Close(ctx)
	}
	uploader.Close(ctx)
	ingestor.Close(ctx)
	evaluator.Close(ctx)
	sessionManager.Close(ctx)
	cleanup.Close(ctx)
	recordingManager.Close(ctx)
	eng.Close(ctx)
	inst.EventDispatcher.(events.Dispatcher).Close(ctx)
	if err := db.Close(); err != nil {
		logger.WithError(err).Warn("failed to close metadata store")
	}
	rootCancel()
	inst.WaitGroup.Wait()
	logger.Info("bye")
}
