// Command replog-bench runs an in-process cluster on loopback and measures
// write latency for each write concern.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"replog/internal/bench"
	"replog/internal/follower"
	"replog/internal/logger"
	"replog/internal/replog"
	"replog/internal/rpc"
)

type options struct {
	followers   int
	messages    int
	concurrency int
	slowDelay   time.Duration
	output      string
	verbose     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var o options
	cmd := &cobra.Command{
		Use:          "replog-bench",
		Short:        "Measure write latency per write concern",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&o.followers, "followers", 2, "Number of followers.")
	fs.IntVar(&o.messages, "messages", 200, "Writes per write concern.")
	fs.IntVar(&o.concurrency, "concurrency", 4, "Writes in flight at once.")
	fs.DurationVar(&o.slowDelay, "slow-delay", 50*time.Millisecond, "Apply delay of the last follower.")
	fs.StringVar(&o.output, "output", "", "Write the reports as JSON to this file.")
	fs.BoolVar(&o.verbose, "verbose", false, "Log cluster activity.")

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cluster struct {
	primary *replog.Primary
	nodes   []*follower.Node
	client  *rpc.Client
}

func startCluster(log *zap.Logger, o options) (*cluster, error) {
	c := &cluster{client: rpc.NewClient(log)}
	var addrs []string
	for i := 0; i < o.followers; i++ {
		var delay time.Duration
		if i == o.followers-1 {
			delay = o.slowDelay
		}
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, multierr.Append(err, c.stop(context.Background()))
		}
		node := follower.NewNode(follower.NewStore(follower.StoreConfig{Delay: delay, Logger: log}), log)
		go func() { _ = node.Serve(lis) }()
		c.nodes = append(c.nodes, node)
		addrs = append(addrs, lis.Addr().String())
	}

	cfg := replog.DefaultConfig()
	cfg.Followers = addrs
	cfg.Logger = log
	p, err := replog.NewPrimary(cfg, c.client)
	if err != nil {
		return nil, multierr.Append(err, c.stop(context.Background()))
	}
	p.Start()
	c.primary = p
	return c, nil
}

func (c *cluster) stop(ctx context.Context) error {
	var err error
	if c.primary != nil {
		err = multierr.Append(err, c.primary.Stop(ctx))
	}
	for _, n := range c.nodes {
		n.GracefulShutdown()
	}
	return multierr.Append(err, c.client.Close())
}

func run(ctx context.Context, o options) (err error) {
	if o.followers < 1 || o.messages < 1 || o.concurrency < 1 {
		return errors.New("followers, messages and concurrency must be positive")
	}

	lc := logger.NewConfig()
	if !o.verbose {
		lc.Level = zapcore.WarnLevel
	}
	log, err := logger.New(os.Stderr, lc)
	if err != nil {
		return err
	}

	c, err := startCluster(log, o)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = multierr.Append(err, c.stop(sctx))
	}()

	fmt.Printf("Cluster: 1 primary, %d followers (last delayed by %s)\n", o.followers, o.slowDelay)
	fmt.Printf("Writes per write concern: %d, concurrency: %d\n\n", o.messages, o.concurrency)

	var reports []bench.Report
	for w := 1; w <= c.primary.ClusterSize(); w++ {
		rep, err := measure(ctx, c.primary, w, o)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
	}

	if err := bench.Print(os.Stdout, reports); err != nil {
		return err
	}
	if o.output != "" {
		data, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(o.output, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("\nReport saved to %s\n", o.output)
	}
	return nil
}

func measure(ctx context.Context, p *replog.Primary, w int, o options) (bench.Report, error) {
	rec := bench.NewRecorder()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := 0; i < o.messages; i++ {
		msg := fmt.Sprintf("w%d-msg-%d", w, i)
		g.Go(func() error {
			start := time.Now()
			_, err := p.SubmitWrite(gctx, msg, w)
			rec.Record(time.Since(start), err)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return bench.Report{}, err
	}
	return rec.Report(w), nil
}
