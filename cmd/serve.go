package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3scale/ovpn-pki-manager/pkg/api"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and refresh the CRL on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, err := a.manager(ctx)
			if err != nil {
				return err
			}
			defer m.Close()

			var auth api.Authenticator
			if org := a.cfg.Server.GithubOrg; org != "" {
				auth = &api.GithubAuthenticator{Org: org}
			} else {
				a.logger.Info("server.github_org is not set, the API is not authenticated")
			}

			c := cron.New()
			err = c.AddFunc(a.cfg.Server.CRLSchedule, func() {
				if _, _, err := m.RefreshCRL(context.Background()); err != nil {
					a.logger.Error(err, "scheduled CRL refresh failed")
				}
			})
			if err != nil {
				a.logger.Error(err, "invalid CRL refresh schedule", "schedule", a.cfg.Server.CRLSchedule)
				return err
			}
			c.Start()
			defer c.Stop()

			srv := &http.Server{
				Addr:              a.cfg.Server.Listen,
				Handler:           api.NewHandler(m, auth, os.Stdout, a.logger.WithName("api")),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("listening", "address", a.cfg.Server.Listen)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error(err, "server failed")
					return err
				}
				return nil
			case <-ctx.Done():
				a.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
}
