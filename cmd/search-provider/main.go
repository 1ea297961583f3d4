package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmatesearch "github.com/glimte/mmate-search"
	"github.com/glimte/mmate-search/bridge"
	"github.com/glimte/mmate-search/config"
	"github.com/glimte/mmate-search/engine"
	"github.com/glimte/mmate-search/engine/memory"
	"github.com/glimte/mmate-search/health"
	"github.com/glimte/mmate-search/internal/codec"
	"github.com/glimte/mmate-search/provider"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// flags holds command line overrides; zero values leave the config alone.
type flags struct {
	configFile string
	url        string
	queue      string
	workers    int
	httpAddr   string
	documents  string
	logLevel   string
}

func (f *flags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}
	if f.url != "" {
		cfg.RabbitMQURL = f.url
	}
	if f.queue != "" {
		cfg.RequestQueue = f.queue
	}
	if f.workers != 0 {
		cfg.Workers = f.workers
	}
	if f.httpAddr != "" {
		cfg.HTTPAddr = f.httpAddr
	}
	if f.documents != "" {
		cfg.DocumentsFile = f.documents
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:          "search-provider",
		Short:        "Serve and query full-text search over RabbitMQ",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&f.configFile, "config", "c", "", "JSON config file")
	rootCmd.PersistentFlags().StringVarP(&f.url, "url", "u", "", "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVarP(&f.queue, "queue", "q", "", "Request queue name")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume search requests and answer them from a document index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	serveCmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "Maximum concurrently running searches")
	serveCmd.Flags().StringVar(&f.httpAddr, "http-addr", "", "Address for /metrics and health endpoints")
	serveCmd.Flags().StringVarP(&f.documents, "documents", "d", "", "JSON file of documents to index")

	var (
		requester   string
		maxResults  int
		firstResult int
		highlight   bool
	)
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Send a search request and print the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), &f, func(ctx context.Context, c *bridge.Client) error {
				results, err := c.Search(ctx, engine.Query{
					Text:        args[0],
					Identity:    engine.Identity{ID: requester},
					FirstResult: firstResult,
					MaxResults:  maxResults,
					Highlight:   highlight,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}
	searchCmd.Flags().StringVar(&requester, "requester", "", "Requester id")
	searchCmd.Flags().IntVarP(&maxResults, "max", "n", 10, "Maximum results")
	searchCmd.Flags().IntVar(&firstResult, "first", 0, "Index of the first result")
	searchCmd.Flags().BoolVar(&highlight, "highlight", false, "Highlight matches")

	spellCmd := &cobra.Command{
		Use:   "spellcheck <word>",
		Short: "Ask for spelling suggestions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), &f, func(ctx context.Context, c *bridge.Client) error {
				suggestions, err := c.SpellCheck(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, suggestions)
			})
		},
	}

	rootCmd.AddCommand(serveCmd, searchCmd, spellCmd)
	return rootCmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Logger()
	logger.Info("starting search provider", "config", cfg.String())

	index := memory.New(memory.WithLogger(logger))
	if cfg.DocumentsFile != "" {
		if err := index.LoadFile(cfg.DocumentsFile); err != nil {
			return err
		}
		logger.Info("documents indexed", "count", index.Len(), "file", cfg.DocumentsFile)
	}

	p, err := mmatesearch.NewProvider(cfg.RabbitMQURL, index,
		mmatesearch.WithLogger(logger),
		mmatesearch.WithProviderOptions(
			provider.WithRequestQueue(cfg.RequestQueue),
			provider.WithReceiveTimeout(cfg.ReceiveTimeout()),
			provider.WithWorkers(cfg.Workers),
			provider.WithPrefetchCount(cfg.PrefetchCount),
		))
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := p.Stop(); err != nil {
			logger.Warn("error stopping search provider", "error", err)
		}
	}()

	registry := health.NewRegistry()
	registry.SetMetadata("version", version)
	registry.Register(
		health.NewConnectionChecker(p),
		health.NewProviderChecker(p),
		health.NewChannelPoolChecker(p.Pool),
		health.NewQueueChecker(p.RequestQueue(), p.Pool, 0),
		health.NewRuntimeChecker(5000, 20000),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.Mount(mux, registry, 5*time.Second)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("http endpoints listening", "addr", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func withClient(ctx context.Context, f *flags, fn func(context.Context, *bridge.Client) error) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	c, err := mmatesearch.NewClient(cfg.RabbitMQURL,
		mmatesearch.WithLogger(logger),
		mmatesearch.WithClientOptions(
			bridge.WithRequestQueue(cfg.RequestQueue),
			bridge.WithReplyTimeout(cfg.ReplyTimeout()),
		))
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, c)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := codec.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
