package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and operations server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			if cfg.IsProduction() {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if missing := cfg.MissingRequired(); len(missing) > 0 {
				log.WithField("missing", missing).Warn("configuration incomplete, some providers will fail to sync")
			}

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := api.Deps{
				Accounts:           a.store,
				Engine:             a.manager,
				Scheduler:          a.scheduler,
				Registry:           a.registry,
				Config:             cfg,
				OutlookClientState: cfg.OutlookClientState,
				BaseContext:        ctx,
				Degraded:           a.degraded,
				Breakers: map[models.Provider]api.BreakerReporter{
					models.ProviderGmail: a.gmail,
				},
			}
			if a.provisioner != nil {
				deps.Provisioner = a.provisioner
			}
			if cfg.PushAudience != "" {
				verifier, err := auth.NewPushVerifier(ctx, "", cfg.PushAudience, cfg.PushServiceAccount)
				if err != nil {
					return err
				}
				deps.PushAuth = verifier
			}

			var workers gosync.WaitGroup
			if a.publisher != nil {
				dispatcher := natsjs.NewDispatcher(a.store, a.publisher, log)
				workers.Add(1)
				go func() {
					defer workers.Done()
					dispatcher.Run(ctx)
				}()
			}

			if cfg.CronEnabled {
				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
			}

			srv := api.NewServer(deps, log)
			httpServer := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.WithFields(logrus.Fields{"port": cfg.Port, "instance_id": a.registry.CurrentID()}).Info("server starting")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case serveErr = <-errCh:
				log.WithError(serveErr).Error("server stopped")
				stop()
			}

			a.scheduler.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("error shutting down HTTP server")
			}
			srv.Wait()
			workers.Wait()
			return serveErr
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}
