package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"termoload/internal/config"
	"termoload/internal/domain"
	"termoload/internal/downloader"
	"termoload/internal/fetcher"
	apphttp "termoload/internal/http"
	"termoload/internal/repository/sqlite"
	"termoload/internal/service"
	"termoload/internal/storage"
	"termoload/internal/store"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatalf("invalid log level %q: %v", cfg.Log.Level, err)
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	historyRepo := sqlite.NewHistoryRepository(db)
	fileRepo := sqlite.NewTransferFileRepository(db)

	if err := historyRepo.Init(ctx); err != nil {
		logger.Fatalf("init history repository: %v", err)
	}
	if err := fileRepo.Init(ctx); err != nil {
		logger.Fatalf("init file repository: %v", err)
	}

	historyService := service.NewHistoryService(historyRepo, logger)
	fileService := service.NewFileService(fileRepo, logger)

	// one ceiling shared by direct and torrent downloads
	limiter := fetcher.NewLimiter(cfg.Download.MaxSpeedKbps, cfg.Download.ChunkSize)

	httpFetcher := fetcher.NewHTTP(fetcher.HTTPConfig{
		UserAgent:      cfg.Download.UserAgent,
		RequestTimeout: cfg.Download.RequestTimeout,
		ChunkSize:      cfg.Download.ChunkSize,
		Limiter:        limiter,
		Logger:         logger,
	})

	torrentFetcher := fetcher.NewTorrent(fetcher.TorrentConfig{
		Open: func() (fetcher.Session, error) {
			return fetcher.OpenClientSession(fetcher.SessionConfig{
				DataDir:   cfg.Torrent.DataDir,
				Seed:      cfg.Torrent.Seed,
				Port:      cfg.Torrent.ListenPort,
				UserAgent: cfg.Download.UserAgent,
				Trackers:  cfg.Torrent.Trackers,
				Limiter:   limiter,
				Logger:    logger,
			})
		},
		MetadataTimeout: cfg.Torrent.MetadataTimeout,
		PollInterval:    cfg.Torrent.PollInterval,
		Files:           fileService,
		Logger:          logger,
	})

	fetchers := map[domain.Kind]fetcher.Fetcher{
		domain.KindDirect:  httpFetcher,
		domain.KindTorrent: torrentFetcher,
	}
	if cfg.Media.Enabled {
		fetchers[domain.KindStreamMedia] = fetcher.NewMedia(fetcher.MediaConfig{
			Delegate: fetcher.YTDLP{Format: cfg.Media.Format},
			Workers:  cfg.Media.Workers,
			Logger:   logger,
		})
	}

	hooks := downloader.Hooks{
		Progress: []downloader.ProgressObserver{downloader.NewProgressLogger(logger, 5*time.Second)},
		Terminal: []downloader.TerminalObserver{historyService},
		Removed:  []downloader.RemovalObserver{historyService, fileService},
	}

	var archive apphttp.Archive
	var archiver *storage.Archiver
	if cfg.ArchiveEnabled() {
		archiver, err = buildArchiver(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
		hooks.Terminal = append(hooks.Terminal, archiver)
		archive = archiver
	}

	manager := downloader.NewManager(downloader.Config{
		DownloadFolder:  cfg.Download.Folder,
		ConcurrentLimit: cfg.Download.ConcurrentLimit,
		SaveInterval:    cfg.Download.SaveInterval,
		ResumeOnStart:   cfg.Download.ResumeOnStart,
		Fetchers:        fetchers,
		Torrents:        torrentFetcher,
		Store:           store.New(cfg.Download.StateFile, cfg.Download.SaveInterval, logger),
		Hooks:           hooks,
		Logger:          logger,
	})
	if err := manager.Open(); err != nil {
		logger.Fatalf("start manager: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(manager, historyService, fileService, archive).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()
	if archiver != nil {
		archiver.Close()
	}

	logger.Info("bye")
}

func buildArchiver(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*storage.Archiver, error) {
	client, err := storage.NewS3Client(ctx, storage.ClientOptions{
		Region:   cfg.Storage.Region,
		Endpoint: cfg.Storage.Endpoint,
		Profile:  cfg.AWS.Profile,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("archiving to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewArchiver(storage.NewS3Service(client), storage.ArchiverConfig{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Logger:    logger,
	}), nil
}
