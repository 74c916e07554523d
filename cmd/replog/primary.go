package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"replog/internal/api"
	"replog/internal/config"
	"replog/internal/replog"
	"replog/internal/rpc"
)

func newPrimaryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "primary",
		Short: "Run the primary node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := bindViper(cmd, cmd.Flags())
			if err != nil {
				return err
			}
			c, err := config.LoadPrimary(v)
			if err != nil {
				return err
			}
			return runPrimary(cmd.Context(), c)
		},
	}
	config.AddPrimaryFlags(cmd.Flags())
	return cmd
}

func runPrimary(ctx context.Context, c config.Primary) (err error) {
	log, err := newLogger(c.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := replog.NewMetrics()

	client := rpc.NewClient(log)
	defer func() { err = multierr.Append(err, client.Close()) }()

	primary, err := replog.NewPrimary(c.Replication(log, metrics), client)
	if err != nil {
		return err
	}
	reg.MustRegister(primary.PrometheusCollectors()...)
	primary.Start()

	srv := &http.Server{
		Addr:        c.HTTPAddr,
		Handler:     api.NewPrimaryHandler(log, primary, reg),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Info("Starting primary",
		zap.String("http_addr", c.HTTPAddr),
		zap.Strings("followers", c.Followers),
		zap.Int("cluster_size", primary.ClusterSize()),
		zap.Int("default_write_concern", primary.DefaultWriteConcern()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down primary", zap.Duration("timeout", c.ShutdownTimeout))

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(
			srv.Shutdown(sctx),
			primary.Stop(sctx),
		)
	})
	return g.Wait()
}
