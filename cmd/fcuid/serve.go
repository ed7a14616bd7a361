package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fsl-continuum/fcuid/internal/config"
	"github.com/fsl-continuum/fcuid/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the periodic verification sweep",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := config.GetString("server.addr")
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		noSweep, _ := cmd.Flags().GetBool("no-sweep")

		return withApp(func(ctx context.Context, a *app) error {
			if !log.IsLevelEnabled(logrus.DebugLevel) {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           server.Router(&server.Handler{Service: a.svc, Log: log}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Serve(gctx, srv, log) })

			interval := config.VerifySettings().SweepInterval
			if !noSweep && interval > 0 {
				g.Go(func() error {
					err := a.svc.Verifier().Run(gctx, interval, sweepOptions())
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			return g.Wait()
		})
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().Bool("no-sweep", false, "Disable the background verification sweep")
	rootCmd.AddCommand(serveCmd)
}
