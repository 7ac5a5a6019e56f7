package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/chi-demo/middleware"
	"github.com/tendant/simple-file/pkg/simplefile"
	"github.com/tendant/simple-file/pkg/simplefile/api"
	"github.com/tendant/simple-file/pkg/simplefile/presets"
)

type Config struct {
	ApiKeySHA256   string `env:"API_KEY_SHA256" env-default:""`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" env-default:"33554432"`
}

func main() {
	var config Config
	if err := cleanenv.ReadEnv(&config); err != nil {
		slog.Error("Failed to read configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	built, err := presets.NewProduction(ctx)
	if err != nil {
		slog.Error("Failed to build file service", "err", err)
		os.Exit(1)
	}
	defer built.Close()

	var middlewares []func(http.Handler) http.Handler
	if config.ApiKeySHA256 != "" {
		apiKeyMiddleware, err := middleware.ApiKeyMiddleware(middleware.ApiKeyConfig{
			APIKeys: map[string]string{
				"key1": config.ApiKeySHA256,
			},
		})
		if err != nil {
			slog.Error("Failed initialize API Key middleware", "err", err)
			return
		}
		middlewares = append(middlewares, apiKeyMiddleware)
	}

	server := app.DefaultApp()

	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	server.R.Route("/api/v5", func(r chi.Router) {
		mountFiles(r, built.Service, config.MaxUploadBytes, middlewares...)
	})

	server.Run()
}

// mountFiles mounts the files API under /files behind the given middlewares
func mountFiles(r chi.Router, service simplefile.Service, maxUploadBytes int64, middlewares ...func(http.Handler) http.Handler) {
	filesHandler := api.NewFilesHandler(service, api.WithMaxUploadBytes(maxUploadBytes))
	r.Group(func(r chi.Router) {
		r.Use(middlewares...)
		r.Mount("/files", filesHandler.Routes())
	})
}
