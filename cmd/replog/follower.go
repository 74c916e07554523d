package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"replog/internal/api"
	"replog/internal/config"
	"replog/internal/follower"
)

func newFollowerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follower",
		Short: "Run a follower node",
		Long: `Run a follower node.

DELAY_IN_MS and FAILURE are read from the environment when --delay and
--failure are not given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := bindViper(cmd, cmd.Flags())
			if err != nil {
				return err
			}
			c, err := config.LoadFollower(v)
			if err != nil {
				return err
			}
			return runFollower(cmd.Context(), c)
		},
	}
	config.AddFollowerFlags(cmd.Flags())
	return cmd
}

func runFollower(ctx context.Context, c config.Follower) error {
	log, err := newLogger(c.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store := follower.NewStore(follower.StoreConfig{
		Delay:   c.Delay,
		Failure: c.Failure,
		Logger:  log,
	})
	node := follower.NewNode(store, log)

	lis, err := net.Listen("tcp", c.GRPCAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:        c.HTTPAddr,
		Handler:     api.NewFollowerHandler(log, store, node),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Info("Starting follower",
		zap.String("http_addr", c.HTTPAddr),
		zap.String("grpc_addr", lis.Addr().String()),
		zap.Duration("delay", c.Delay),
		zap.Bool("failure", c.Failure),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Serve(lis)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down follower", zap.Duration("timeout", c.ShutdownTimeout))

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ShutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			node.GracefulShutdown()
			close(stopped)
		}()
		var err error
		select {
		case <-stopped:
		case <-sctx.Done():
			node.ForceShutdown()
			err = multierr.Append(err, sctx.Err())
		}
		return multierr.Append(err, srv.Shutdown(sctx))
	})
	return g.Wait()
}
