// Package main provides a thin CLI host for the BrainyData façade. It wires
// a storage backend, a placeholder embedding function, and the façade
// together for local, single-process use; it is explicitly not the
// transport layer (REST/WebSocket framing is out of scope for this module).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brainydb/brainy/pkg/brainy"
	"github.com/brainydb/brainy/pkg/config"
	"github.com/brainydb/brainy/pkg/embedding"
	"github.com/brainydb/brainy/pkg/hnsw"
	"github.com/brainydb/brainy/pkg/metrics"
	"github.com/brainydb/brainy/pkg/storage"
	"github.com/brainydb/brainy/pkg/vector"
)

var version = "0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "brainy",
		Short: "Brainy - embeddable vector-and-graph database",
		Long: `Brainy stores typed entities ("nouns") with embedding vectors and typed
relationships ("verbs"), and answers approximate-nearest-neighbor and
relationship-traversal queries over them.

This CLI is an illustrative host for the BrainyData façade: a real deployment
embeds the façade directly or puts a transport layer (HTTP, gRPC, Bolt, ...)
in front of it, which is outside this module's scope.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config overlay")

	rootCmd.AddCommand(
		versionCmd(),
		addCmd(&configPath),
		searchCmd(&configPath),
		getCmd(&configPath),
		deleteCmd(&configPath),
		statsCmd(&configPath),
		backupCmd(&configPath),
		restoreCmd(&configPath),
		clearCmd(&configPath),
		serveCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("brainy v%s\n", version)
		},
	}
}

// openFacade loads config, builds the configured storage backend and a
// placeholder embedder, and returns an initialized façade. The caller must
// call Close. The façade's Prometheus collectors are registered against reg
// so the caller can format or scrape them (see serveCmd).
func openFacade(ctx context.Context, configPath string, reg *prometheus.Registry) (*brainy.BrainyData, error) {
	cfg, err := config.LoadFromFileThenEnv(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	adapter, err := buildStorage(cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	embedder := embedding.New(embedding.Config{
		Dimension:      cfg.Embedding.Dimension,
		MainThread:      placeholderEmbedFunc(cfg.Embedding.Dimension),
		MaxConcurrency: cfg.Embedding.MaxConcurrency,
	}, log)

	hnswCfg := hnsw.Config{
		Dimensions:     cfg.HNSW.Dimensions,
		M:              cfg.HNSW.M,
		EfConstruction: cfg.HNSW.EfConstruction,
		EfSearch:       cfg.HNSW.EfSearch,
		MaxLevel:       cfg.HNSW.MaxLevel,
		Kernel:         vector.Name(cfg.HNSW.Kernel),
	}

	var reporter *metrics.Registry
	if reg != nil {
		reporter = metrics.New("brainy")
		reporter.MustRegister(reg)
	}

	b := brainy.New(adapter, embedder, brainy.Config{HNSW: hnswCfg, Log: log, Metrics: reporter})
	if err := b.Init(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func buildStorage(cfg config.StorageConfig, log *zap.Logger) (storage.Adapter, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryAdapter(log), nil
	case "filesystem":
		return storage.NewFilesystemAdapter(cfg.DataDir, log)
	case "opfs":
		return storage.NewOPFSAdapter(cfg.OPFSOrigin, log), nil
	case "s3":
		return nil, fmt.Errorf("brainy: s3 backend requires an aws.Config; wire it in your own main package, not this illustrative CLI")
	default:
		return nil, fmt.Errorf("brainy: unknown storage backend %q", cfg.Backend)
	}
}

// placeholderEmbedFunc stands in for the opaque embedding model the spec
// treats as an external collaborator. It derives a deterministic vector from
// each string's bytes so the CLI is runnable without a real model attached;
// it is not suitable for semantic search.
func placeholderEmbedFunc(dimension int) embedding.Func {
	if dimension <= 0 {
		dimension = 8
	}
	return func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			vec := make([]float32, dimension)
			for j, r := range t {
				vec[j%dimension] += float32(r)
			}
			out[i] = vec
		}
		return out, nil
	}
}

func parseVectorFlag(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

func parseMetadataFlag(s string) (storage.Metadata, error) {
	if s == "" {
		return nil, nil
	}
	var m storage.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	return m, nil
}

func addCmd(configPath *string) *cobra.Command {
	var text, vectorStr, metadataStr string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a noun, embedding text or accepting a pre-embedded vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openFacade(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			metadata, err := parseMetadataFlag(metadataStr)
			if err != nil {
				return err
			}

			var input any
			if vectorStr != "" {
				vec, err := parseVectorFlag(vectorStr)
				if err != nil {
					return err
				}
				input = vec
			} else {
				input = text
			}

			id, err := b.Add(ctx, input, metadata)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text to embed and add")
	cmd.Flags().StringVar(&vectorStr, "vector", "", "comma-separated pre-embedded vector, overrides --text")
	cmd.Flags().StringVar(&metadataStr, "metadata", "", "JSON metadata object")
	return cmd
}

func searchCmd(configPath *string) *cobra.Command {
	var text, vectorStr, nounType string
	var k int
	var hydrate bool
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search for the k nearest nouns to a text or vector query",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openFacade(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			var query any
			if vectorStr != "" {
				vec, err := parseVectorFlag(vectorStr)
				if err != nil {
					return err
				}
				query = vec
			} else {
				query = text
			}

			hits, err := b.Search(ctx, query, k, brainy.SearchOptions{NounType: nounType, HydrateMetadata: hydrate})
			if err != nil {
				return err
			}
			return printJSON(hits)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text query to embed")
	cmd.Flags().StringVar(&vectorStr, "vector", "", "comma-separated vector query, overrides --text")
	cmd.Flags().StringVar(&nounType, "noun-type", "", "restrict results to this noun type")
	cmd.Flags().IntVar(&k, "k", 10, "number of results")
	cmd.Flags().BoolVar(&hydrate, "hydrate", false, "include each result's metadata")
	return cmd
}

func getCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a noun and its metadata by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openFacade(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			n, m, err := b.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(struct {
				Noun     storage.Noun     `json:"noun"`
				Metadata storage.Metadata `json:"metadata,omitempty"`
			}{n, m})
		},
	}
	return cmd
}

func deleteCmd(configPath *string) *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a noun, soft by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openFacade(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer b.Close()
			return b.Delete(ctx, args[0], hard)
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "permanently remove the noun and repair its HNSW neighbors")
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print durable statistics counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openFacade(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			backup, err := b.Backup(ctx)
			if err != nil {
				return err
			}
			return printJSON(backup.Statistics)
		},
	}
}

func backupCmd(configPath *string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export every noun, verb, metadata document, and statistic to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openFacade(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			data, err := b.Backup(ctx)
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(data, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(out, raw, 0o644)
		},
	}
	cmd.Flags().StringVar(&out, "out", "brainy-backup.json", "output file path")
	return cmd
}

func restoreCmd(configPath *string) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore from a JSON file produced by backup; idempotent per id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openFacade(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer b.Close()

			raw, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			var data brainy.Backup
			if err := json.Unmarshal(raw, &data); err != nil {
				return err
			}
			return b.Restore(ctx, data, brainy.RestoreOptions{})
		},
	}
	cmd.Flags().StringVar(&in, "in", "brainy-backup.json", "input file path")
	return cmd
}

func clearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop all state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openFacade(ctx, *configPath, nil)
			if err != nil {
				return err
			}
			defer b.Close()
			return b.Clear(ctx)
		},
	}
}

// serveCmd keeps a façade open and its background loops (statistics flush,
// change-log poller) running until interrupted. It does not open any
// network listener; that belongs to a transport layer outside this module.
func serveCmd(configPath *string) *cobra.Command {
	var metricsEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep a façade instance's background loops running until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			b, err := openFacade(ctx, *configPath, reg)
			if err != nil {
				return err
			}
			defer b.Close()

			fmt.Println("brainy façade running (statistics flush + change-log poller); no network listener is started")
			fmt.Println("press Ctrl+C to stop")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			if metricsEvery > 0 {
				go logMetricsPeriodically(ctx, reg, metricsEvery)
			}

			<-sigCh
			return nil
		},
	}
	cmd.Flags().DurationVar(&metricsEvery, "metrics-every", 0, "log a Prometheus text-format metrics snapshot at this interval (0 disables)")
	return cmd
}

// logMetricsPeriodically writes reg's current metrics in Prometheus text
// format to stdout on a fixed interval, until ctx is canceled. There is no
// HTTP /metrics endpoint in this illustrative CLI; a real deployment scrapes
// reg through its own transport layer instead.
func logMetricsPeriodically(ctx context.Context, reg *prometheus.Registry, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			families, err := reg.Gather()
			if err != nil {
				continue
			}
			for _, mf := range families {
				if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
					return
				}
			}
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
