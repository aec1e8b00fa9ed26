package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lytics/cellbalance"
	"github.com/lytics/cellbalance/group/grpcgroup"
	"github.com/lytics/cellbalance/group/memgroup"
	"github.com/lytics/cellbalance/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	etcdv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const usage = `usage: cellbalance <local|node> [flags]

  local  run every rank of the config in this process
  node   run a single rank, peers are reached over gRPC
`

func main() {
	logger := log.New(os.Stderr, "cellbalance: ", log.LstdFlags)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "local":
		err = runLocal(logger, os.Args[2:])
	case "node":
		err = runNode(logger, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	successOrDie(err)
}

type commonFlags struct {
	config  *string
	trace   *bool
	metrics *string
	verbose *bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config:  fs.String("config", "cellbalance.yaml", "path of the YAML config"),
		trace:   fs.Bool("trace", false, "print pass traces to stderr"),
		metrics: fs.String("metrics", "", "serve prometheus metrics on this address"),
		verbose: fs.Bool("v", false, "log protocol progress"),
	}
}

func runLocal(logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("local", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Parse(args)

	cfg, err := loadConfig(*common.config)
	if err != nil {
		return err
	}
	shutdown, err := setupTracing(*common.trace)
	if err != nil {
		return err
	}
	defer shutdown()

	members, err := memgroup.New(cfg.Size())
	if err != nil {
		return err
	}

	var bl cellbalance.Logger
	if *common.verbose {
		bl = logger
	}

	schedules := make([]*cellbalance.Schedule, cfg.Size())
	errs := make([]error, cfg.Size())
	wg := &sync.WaitGroup{}
	for rank, m := range members {
		b, err := cellbalance.New(m, cfg.balancerCfg(bl))
		if err != nil {
			return err
		}
		if err := cfg.applyWeights(b); err != nil {
			return err
		}
		wg.Add(1)
		go func(rank int, b *cellbalance.Balancer) {
			defer wg.Done()
			schedules[rank], errs[rank] = b.Balance(context.Background(), cfg.localCounts(rank))
		}(rank, b)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	for _, s := range schedules {
		printSchedule(os.Stdout, s)
	}
	return nil
}

func runNode(logger *log.Logger, args []string) error {
	fs := flag.NewFlagSet("node", flag.ExitOnError)
	common := addCommonFlags(fs)
	rank := fs.Int("rank", 0, "rank of this node")
	address := fs.String("address", "127.0.0.1:0", "bind address for gRPC")
	peers := fs.String("peers", "", "comma separated addresses of every rank, in rank order")
	etcdEndpoints := fs.String("etcd", "", "comma separated etcd endpoints, used to find peers when -peers is not set")
	fs.Parse(args)

	cfg, err := loadConfig(*common.config)
	if err != nil {
		return err
	}
	if *rank < 0 || *rank >= cfg.Size() {
		return fmt.Errorf("rank %d out of range for %d counts", *rank, cfg.Size())
	}
	shutdown, err := setupTracing(*common.trace)
	if err != nil {
		return err
	}
	defer shutdown()

	var reg prometheus.Registerer
	if *common.metrics != "" {
		r := prometheus.NewRegistry()
		r.MustRegister(collectors.NewGoCollector())
		serveMetrics(logger, *common.metrics, r)
		reg = r
	}

	gcfg := grpcgroup.Cfg{
		Namespace:  cfg.Namespace,
		Rank:       *rank,
		Size:       cfg.Size(),
		Registerer: reg,
		Logger:     logger,
	}
	var resolver grpcgroup.Resolver
	switch {
	case *peers != "":
		addrs := strings.Split(*peers, ",")
		if len(addrs) != cfg.Size() {
			return fmt.Errorf("%d peers given for %d ranks", len(addrs), cfg.Size())
		}
		resolver = grpcgroup.StaticResolver(addrs)
	case *etcdEndpoints != "":
		etcd, err := etcdv3.New(etcdv3.Config{
			Endpoints:   strings.Split(*etcdEndpoints, ","),
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("connecting to etcd: %w", err)
		}
		defer etcd.Close()

		r, err := registry.New(etcd)
		if err != nil {
			return err
		}
		r.Logger = logger
		gcfg.Registry = r
		resolver = &grpcgroup.RegistryResolver{Registry: r, Namespace: cfg.Namespace}
	default:
		return fmt.Errorf("one of -peers or -etcd is required")
	}

	node, err := grpcgroup.New(gcfg, resolver)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", *address)
	if err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() {
		served <- node.Serve(lis)
	}()

	// Check for exit signal, ie: ctrl-c
	c, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var bl cellbalance.Logger
	if *common.verbose {
		bl = logger
	}
	b, err := cellbalance.New(node, cfg.balancerCfg(bl))
	if err != nil {
		node.Stop()
		return err
	}
	if err := cfg.applyWeights(b); err != nil {
		node.Stop()
		return err
	}

	s, err := b.Balance(c, cfg.localCounts(*rank))
	node.Stop()
	if serr := <-served; serr != nil {
		logger.Printf("serving: %v", serr)
	}
	if err != nil {
		if reason, ok := cellbalance.IsAbort(err); ok {
			return fmt.Errorf("pass aborted by coordinator (%v): %w", reason, err)
		}
		return err
	}
	printSchedule(os.Stdout, s)
	return nil
}

// setupTracing installs a stdout exporter when enabled. The
// returned function flushes pending spans.
func setupTracing(enabled bool) (func(), error) {
	if !enabled {
		return func() {}, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(c); err != nil {
			fmt.Fprintf(os.Stderr, "error: flushing traces: %v\n", err)
		}
	}, nil
}

func serveMetrics(logger *log.Logger, address string, g prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(address, mux); err != nil {
			logger.Printf("metrics server: %v", err)
		}
	}()
}

func successOrDie(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
