package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"crportal/api/internal/app"
	"crportal/api/internal/config"
	"crportal/api/internal/email"
	"crportal/api/internal/history"
	"crportal/api/internal/kv"
	"crportal/api/internal/logging"
	"crportal/api/internal/search"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "api",
		Short:        "Change request portal API",
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd(), newExportCmd(), newReindexCmd())
	return cmd
}

// runtime is what every subcommand needs: config, logger, the raw backend
// and the service built on top of it.
type runtime struct {
	cfg     config.Config
	log     *logrus.Entry
	backend kv.Backend
	service *app.Service
}

func (rt *runtime) Close() {
	if err := rt.service.Close(); err != nil {
		rt.log.WithError(err).Warn("close service")
	}
}

func setup(ctx context.Context) (*runtime, context.Context, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, ctx, err
	}
	entry := logrus.NewEntry(logging.New(cfg.LogLevel, cfg.LogFormat))
	ctx = logging.WithEntry(ctx, entry)

	backend, err := kv.Open(ctx, cfg.KV())
	if err != nil {
		return nil, ctx, fmt.Errorf("open store: %w", err)
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, entry)
	}
	mailer := email.NewService(cfg.Email())
	if !mailer.IsConfigured() {
		entry.Info("smtp not configured, status notifications disabled")
	}

	var audit *history.Repo
	if dir := strings.TrimSpace(cfg.HistoryDir); dir != "" {
		audit, err = history.Open(dir)
		if err != nil {
			if meili != nil {
				meili.Close()
			}
			_ = backend.Close()
			return nil, ctx, err
		}
		entry.WithField("dir", dir).Info("change history enabled")
	}

	service := app.New(kv.Instrument(backend), app.Options{
		TokenSecret: cfg.TokenSecret,
		SessionTTL:  cfg.SessionTTL(),
		Meili:       meili,
		Mailer:      mailer,
		History:     audit,
	})
	return &runtime{cfg: cfg, log: entry, backend: backend, service: service}, ctx, nil
}
