package main

import (
	"context"
	"log"
	"os"

	"github.com/matrixci/matrixci/internal"
	"github.com/matrixci/matrixci/internal/handler"
	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/service"
	"github.com/matrixci/matrixci/internal/settings"
	"github.com/matrixci/matrixci/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "modernc.org/sqlite"
)

func main() {
	internal.InitializeConfiguration()
	settings.ReadDotenv(internal.DotEnvPath)
	settings.Settings = settings.NewSettings()

	rdb := store.InitDatabase(true)
	defer rdb.Close()
	rwdb := store.InitDatabase(false)
	defer rwdb.Close()
	store.RunMigrations(rwdb, internal.MigrationsDir)

	scheduler := service.NewScheduler()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.Println("err shutting down scheduler:", err)
		}
	}()

	keychain, err := security.NewKeychain(
		[]byte(settings.Settings.SecretKey),
		settings.Settings.AgeKey,
	)
	if err != nil {
		log.Fatal(err)
	}

	runSvc := service.NewRunService(
		store.NewPipelineSQLiteStore(rdb, rwdb),
		store.NewRunSQLiteStore(rdb, rwdb),
		store.NewJobResultSQLiteStore(rdb, rwdb),
		scheduler,
		keychain,
		security.Scheme(settings.Settings.SecretScheme),
		settings.Settings.Repo,
		settings.Settings.CacheRoot,
		internal.Config.JobTimeoutMinutes.Duration(),
	)
	if settings.Settings.AgentHost != "" {
		privateKey, err := os.ReadFile(settings.Settings.AgentKeyPath)
		if err != nil {
			log.Fatal("unable to read agent private key: ", err)
		}
		runSvc.UseAgent(&service.AgentConfig{
			Username:   settings.Settings.AgentUser,
			Hostname:   settings.Settings.AgentHost,
			PrivateKey: privateKey,
			Workspace:  settings.Settings.AgentWorkspace,
		})
	}
	if err := runSvc.InitializeRunQueues(context.Background()); err != nil {
		log.Fatal(err)
	}
	if err := runSvc.SchedulePipelines(context.Background()); err != nil {
		log.Fatal(err)
	}
	scheduler.Start()

	e := setupEcho()
	g := e.Group("")
	handler.SetupPipelineRoutes(g, runSvc, settings.Settings.WebhookKey)

	internal.GracefulShutdown(e, settings.Settings.Port)
	runSvc.ShutdownAll()
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(
		middleware.CORSWithConfig(internal.GetCORSConfig()),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}
