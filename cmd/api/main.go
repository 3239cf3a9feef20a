package main

import (
	"context"
	"fmt"
	"log"
	"time"

	common_api "puppyday/internal/common/api"
	"puppyday/internal/config"
	"puppyday/internal/database"
	"puppyday/internal/features/appointment"
	"puppyday/internal/features/audit"
	"puppyday/internal/features/auth"
	"puppyday/internal/features/connection"
	"puppyday/internal/features/notification"
	"puppyday/internal/features/sync"
	"puppyday/internal/features/system"
	"puppyday/internal/logger"
	"puppyday/internal/middleware"
	"puppyday/pkg/utils"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// NewFiberServer creates a new Fiber app instance
func NewFiberServer() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(middleware.CORSMiddleware())

	return app
}

// AsRoute is a helper function to reduce boilerplate.
// It tags the constructor so Fx knows to add it to the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(common_api.Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

// RegisterAllRoutes takes the group "routes" (slice of interfaces)
// and calls Setup() on each one.
func RegisterAllRoutes(app *fiber.App, routes []common_api.Route) {
	for _, route := range routes {
		route.Setup(app)
	}
}

// RegisterAllRoutesWithAnnotation wraps RegisterAllRoutes with fx annotations
var RegisterAllRoutesWithAnnotation = fx.Annotate(
	RegisterAllRoutes,
	fx.ParamTags(``, `group:"routes"`),
)

// StartServer creates a lifecycle hook to start Fiber in a goroutine
// and shut it down when the app exits.
func StartServer(lc fx.Lifecycle, app *fiber.App, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				port := fmt.Sprintf(":%s", cfg.Port)
				if err := app.Listen(port); err != nil {
					log.Fatalf("Server failed to start: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.Shutdown()
		},
	})
}

// StartSyncEngine runs the orchestrator's worker pool and the maintenance
// scheduler for the lifetime of the app.
func StartSyncEngine(lc fx.Lifecycle, orchestrator sync.SyncOrchestrator, scheduler sync.SyncScheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := orchestrator.Start(ctx); err != nil {
				return err
			}
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			if err := scheduler.Stop(); err != nil {
				return err
			}
			return orchestrator.Stop(ctx)
		},
	})
}

// InitializeIndexes ensures that necessary database indexes are created
func InitializeIndexes(
	lc fx.Lifecycle,
	jobRepo sync.JobRepository,
	logRepo sync.LogRepository,
	fpRepo sync.FingerprintRepository,
	zlog *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				if err := jobRepo.EnsureIndexes(ctx); err != nil {
					zlog.Warn("failed to ensure sync job indexes", zap.Error(err))
				}
				if err := logRepo.EnsureIndexes(ctx); err != nil {
					zlog.Warn("failed to ensure sync log indexes", zap.Error(err))
				}
				if err := fpRepo.EnsureIndexes(ctx); err != nil {
					zlog.Warn("failed to ensure fingerprint indexes", zap.Error(err))
				}
			}()
			return nil
		},
	})
}

func main() {
	app := fx.New(
		fx.Provide(
			// Load Config
			config.LoadConfig,

			// Initialize Logger
			logger.NewLogger,

			// Initialize Fiber Server
			NewFiberServer,

			// Initialize Database
			database.NewDatabase,

			// Initialize Repository
			audit.NewAuditRepository,
			auth.NewAdminRepository,
			appointment.NewAppointmentRepository,
			connection.NewConnectionRepository,
			connection.NewSettingsRepository,
			notification.NewNotificationRepository,
			sync.NewJobRepository,
			sync.NewLogRepository,
			sync.NewFingerprintRepository,
			sync.NewQuotaRepository,

			// Initialize Service
			audit.NewAuditService,
			auth.NewAuthService,
			appointment.NewAppointmentService,
			connection.NewConnectionService,
			notification.NewNotificationService,
			system.NewStatusHub,
			sync.NewQuotaGovernor,
			sync.NewEventMapper,
			sync.NewDuplicateResolver,
			sync.NewGoogleCalendarFactory,
			sync.NewSyncExecutor,
			sync.NewSyncOrchestrator,
			sync.NewSyncScheduler,
			sync.NewSyncService,

			// Interface Adapters to break circular dependencies and satisfy Fx
			func(o sync.SyncOrchestrator) appointment.SyncTrigger { return o },
			func(s notification.NotificationService) sync.Notifier { return s },
			func(h *system.StatusHub) sync.StatusBroadcaster { return h },

			// Initialize Controller
			audit.NewAuditController,
			auth.NewAuthController,
			appointment.NewAppointmentController,
			connection.NewConnectionController,
			notification.NewNotificationController,
			sync.NewSyncController,
			system.NewWebSocketController,

			// Initialize API Routes
			AsRoute(audit.NewAuditApi),
			AsRoute(auth.NewAuthApi),
			AsRoute(appointment.NewAppointmentApi),
			AsRoute(connection.NewConnectionApi),
			AsRoute(notification.NewNotificationApi),
			AsRoute(sync.NewSyncApi),
			AsRoute(system.NewHealthApi),
			AsRoute(system.NewWebSocketApi),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(
			func(cfg *config.Config) { utils.SetSecret(cfg.JWTSecret) },

			// Register Routes & Start
			RegisterAllRoutesWithAnnotation,
			StartServer,
			StartSyncEngine,
			InitializeIndexes,
		),
	)

	app.Run()
}
