package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rpattn/imgexplorer/internal/api"
	"github.com/rpattn/imgexplorer/internal/app"
	"github.com/rpattn/imgexplorer/internal/config"
	"github.com/rpattn/imgexplorer/internal/logger"
	"github.com/rpattn/imgexplorer/internal/middleware"
)

const shutdownTimeout = 30 * time.Second

// NewServerCommand is the standalone API server binary: imgxctl serve with
// its own --config flag.
func NewServerCommand(stdout, stderr io.Writer) *cobra.Command {
	e := &env{stdout: stdout, stderr: stderr}
	cmd := newServeCommand(e)
	cmd.Use = "server"
	cmd.SilenceUsage = true
	cmd.Flags().StringVarP(&e.configPath, "config", "c", ".", "Directory containing config.yaml.")
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func newServeCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(e.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			log := logger.New()
			ctx, stop := signal.NotifyContext(log.WithContext(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	defaults := config.Default()
	cmd.Flags().Int("port", defaults.HTTP.Port, "Port the API listens on.")
	cmd.Flags().Bool("migrate", defaults.Catalog.Migrate, "Apply catalog schema migrations on startup.")
	return cmd
}

// serve runs the API until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, cfg config.Config) error {
	log := zerolog.Ctx(ctx)
	engine, err := app.New(ctx, cfg, app.Options{
		Migrate: cfg.Catalog.Migrate && cfg.Catalog.File == "",
		Offline: cfg.Catalog.File != "" && cfg.Database.Host == "",
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Close()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      newHandler(cfg.HTTP, engine, *log),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}

func newHandler(cfg config.HTTPConfig, engine *app.App, log zerolog.Logger) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Content-Disposition"},
	})

	apiHandler := middleware.LoggingMiddleware(log)(
		middleware.DataLoaderMiddleware(engine.Labels)(api.NewHTTPHandler(engine.Service, engine.Files)),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", corsHandler.Handler(apiHandler))
	return mux
}
