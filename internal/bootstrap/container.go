package bootstrap

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"quillsync-be/internal/config"
	"quillsync-be/internal/controller"
	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/service"
	"quillsync-be/internal/store"
	docsync "quillsync-be/internal/sync"
)

// Container owns every long-lived object of the process: the storage
// pool, the multiplexer and the controllers wired on top. There is no
// ambient registry; teardown goes through Close.
type Container struct {
	// Controllers
	SyncController     controller.ISyncController
	SnapshotController controller.ISnapshotController
	DocumentController controller.IDocumentController

	// Background services (exposed for main.go to run)
	CallbackService service.ICallbackService

	// Core infrastructure
	Pool   *store.Pool
	Mux    *docsync.Multiplexer
	Logger logger.ILogger
}

func NewContainer(cfg *config.Config) *Container {
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	syncLogger := logger.NewIsolatedLogger(cfg.App.SyncLogFilePath)

	// Event bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermillLogger)

	// Storage
	pool := store.NewPool(cfg.Storage.DataDir, cfg.Storage.IdleThreshold, cfg.Storage.SweepInterval, sysLogger)

	// Sync engine
	notifier := service.NewChangePublisher(pubSub, syncLogger)
	mux := docsync.NewMultiplexer(pool, notifier, cfg.Sync.RoomGraceWindow, syncLogger)

	// Services
	snapshotService := service.NewSnapshotService(mux, pool, sysLogger)
	documentService := service.NewDocumentService(mux, pool, sysLogger)
	callbackService := service.NewCallbackService(pubSub, cfg.Callback.URL, cfg.Callback.Timeout, cfg.Callback.Debounce, sysLogger)

	return &Container{
		SyncController:     controller.NewSyncController(mux, cfg.Sync.PongWait, syncLogger),
		SnapshotController: controller.NewSnapshotController(snapshotService),
		DocumentController: controller.NewDocumentController(documentService),
		CallbackService:    callbackService,
		Pool:               pool,
		Mux:                mux,
		Logger:             sysLogger,
	}
}

// Close tears the process down in dependency order: rooms first (their
// flushes hold storage references), then the pool.
func (c *Container) Close() error {
	c.Mux.Shutdown()
	err := c.Pool.Close()
	_ = c.Logger.Sync()
	return err
}
