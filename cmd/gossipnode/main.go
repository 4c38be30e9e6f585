// Command gossipnode runs a standalone gossip engine node, wiring cobra
// subcommands against its config/logger/storage stack.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/gossiped/internal/config"
	"github.com/ruvnet/gossiped/internal/debughttp"
	"github.com/ruvnet/gossiped/internal/gossipnode"
	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/store"
	memstore "github.com/ruvnet/gossiped/internal/store/memory"
	"github.com/ruvnet/gossiped/internal/store/postgres"
	"github.com/ruvnet/gossiped/internal/transport"
	"github.com/ruvnet/gossiped/internal/transport/tcptransport"
	"github.com/ruvnet/gossiped/internal/transport/wstransport"
	"github.com/ruvnet/gossiped/pkg/metrics"
)

var (
	transportKind string
	storeKind     string
	listenAddr    string
	debugAddr     string
	devLogging    bool
	postgresDSN   string
)

var rootCmd = &cobra.Command{
	Use:   "gossipnode",
	Short: "Run or inspect a gossip-based event synchronization node",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a gossip node and keep it running until interrupted",
	RunE:  runNode,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [route]",
	Short: "Fetch a debug route from a running node's debug HTTP server (peers, clock, exchanges, health)",
	Args:  cobra.ExactArgs(1),
	RunE:  inspectNode,
}

func init() {
	runCmd.Flags().StringVar(&transportKind, "transport", "tcp", "transport implementation: tcp or ws")
	runCmd.Flags().StringVar(&storeKind, "store", "memory", "event store implementation: memory or postgres")
	runCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7946", "address the gossip transport listens on")
	runCmd.Flags().StringVar(&debugAddr, "debug-listen", "127.0.0.1:7947", "address the debug HTTP + metrics server listens on")
	runCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "host=... port=... user=... password=... dbname=... sslmode=... (required when --store=postgres)")
	runCmd.Flags().BoolVar(&devLogging, "dev", false, "use zap's development logger instead of its production logger")

	inspectCmd.Flags().StringVar(&debugAddr, "debug-listen", "127.0.0.1:7947", "address of the target node's debug HTTP server")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildTransport(kind string, addr model.TransportAddress, nodeID string, logger *zap.Logger) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return tcptransport.New(addr, nodeID, 0, 0, logger), nil
	case "ws":
		return wstransport.New(addr, nodeID, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q (want tcp or ws)", kind)
	}
}

func buildStore(kind string, logger *zap.Logger) (store.EventStore, store.VectorClockStore, error) {
	switch kind {
	case "memory":
		return memstore.NewEventStore(), memstore.NewClockStore(), nil
	case "postgres":
		if postgresDSN == "" {
			return nil, nil, fmt.Errorf("--postgres-dsn is required when --store=postgres")
		}
		cfg, err := parsePostgresDSN(postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		es, err := postgres.Open(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return es, postgres.NewClockStore(es.DB()), nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q (want memory or postgres)", kind)
	}
}

// parsePostgresDSN does not parse dsn: it always returns an error, so
// --store=postgres fails at startup in this CLI. A postgres store has to be
// built programmatically from a postgres.Config.
func parsePostgresDSN(dsn string) (postgres.Config, error) {
	return postgres.Config{}, fmt.Errorf("parsing --postgres-dsn %q is not implemented in this reference CLI; construct postgres.Config programmatically for production deployments", dsn)
}

func runNode(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(devLogging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tr, err := buildTransport(transportKind, model.TransportAddress(listenAddr), string(cfg.NodeID), logger)
	if err != nil {
		return err
	}

	eventStore, clockStore, err := buildStore(storeKind, logger)
	if err != nil {
		return err
	}

	node, err := gossipnode.New(cfg, eventStore, tr, clockStore, logger)
	if err != nil {
		return fmt.Errorf("build gossip node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize gossip node: %w", err)
	}
	if err := node.StartGossiping(); err != nil {
		return fmt.Errorf("start gossiping: %w", err)
	}

	m := metrics.New()
	metrics.Observe(ctx, node, m)

	debug := debughttp.New(node, logger)
	debug.Watch()

	router := mux.NewRouter()
	debug.Register(router)
	router.Handle("/debug/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	debugServer := &http.Server{Addr: debugAddr, Handler: router}
	go func() {
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server stopped unexpectedly", zap.Error(err))
		}
	}()

	logger.Info("gossip node running",
		zap.String("nodeId", string(cfg.NodeID)),
		zap.String("transport", transportKind),
		zap.String("listen", listenAddr),
		zap.String("debugListen", debugAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	debugServer.Shutdown(shutdownCtx)

	return node.Shutdown(shutdownCtx)
}

func inspectNode(cmd *cobra.Command, args []string) error {
	route := args[0]
	url := fmt.Sprintf("http://%s/debug/gossip/%s", debugAddr, route)

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(encoded))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
