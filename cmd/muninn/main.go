// Command muninn is the CLI for the knowledge-graph memory store: inspect
// stats, run scored searches, and move graphs in and out as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/graphctx"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "muninn",
		Short: "Persistent knowledge-graph memory with scored retrieval",
		Long: `Muninn stores entities, observations, and relations in an embedded
BadgerDB or SQLite database, retrieves them by keyword, semantic, or hybrid
search, and ranks results by temporal, popularity, contextual, and
importance signals.

Configuration is read from MUNINN_* environment variables.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(statsCmd(), searchCmd(), exportCmd(), importCmd())
	return cmd
}

func setup() (*muninn.Manager, *config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "muninn",
	})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	mgr := muninn.New(store, buildEmbedder(cfg), muninn.Options{
		DefaultProfile:     cfg.ScoringProfile,
		UnknownTypePenalty: cfg.UnknownTypePenalty,
		Context: graphctx.Options{
			TTL:       cfg.CacheTTL,
			MaxRecent: cfg.MaxRecent,
			MaxDepth:  cfg.MaxDepth,
		},
		Logger: logger,
	})
	return mgr, cfg, nil
}

func openStore(cfg *config.Config, logger *log.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		fallback := storage.FallbackLinearScan
		if cfg.VectorFallback == config.FallbackStrict {
			fallback = storage.FallbackStrict
		}
		logger.Debug("opening sqlite store", "path", cfg.SQLitePath)
		return storage.OpenSQLite(storage.SQLiteOptions{
			Path:       cfg.SQLitePath,
			Dimensions: cfg.Dimensions,
			Fallback:   fallback,
		})
	default:
		logger.Debug("opening badger store", "dir", cfg.DataDir)
		return storage.OpenBadger(storage.BadgerOptions{
			DataDir:    cfg.DataDir,
			Dimensions: cfg.Dimensions,
		})
	}
}

func buildEmbedder(cfg *config.Config) embed.Embedder {
	switch cfg.EmbedProvider {
	case config.ProviderNone:
		return nil
	case config.ProviderOpenAI:
		return embed.NewLazy(cfg.Dimensions, cfg.EmbedModel, func() (embed.Embedder, error) {
			return embed.NewOpenAI(embed.OpenAIConfig{
				BaseURL:    cfg.OpenAIBaseURL,
				APIKey:     cfg.OpenAIKey,
				Model:      cfg.EmbedModel,
				Dimensions: cfg.Dimensions,
			}), nil
		})
	default:
		return embed.NewLazy(cfg.Dimensions, cfg.EmbedModel, func() (embed.Embedder, error) {
			return embed.NewOllama(embed.OllamaConfig{
				BaseURL:    cfg.OllamaURL,
				Model:      cfg.EmbedModel,
				Dimensions: cfg.Dimensions,
			}), nil
		})
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print row counts for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer mgr.Store().Close()

			stats, err := mgr.Store().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func searchCmd() *cobra.Command {
	var (
		mode      string
		topK      int
		threshold float64
		details   bool
		profile   string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a scored search against the graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cfg, err := setup()
			if err != nil {
				return err
			}
			defer mgr.Store().Close()

			weights, err := cfg.LoadWeights()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			resp, err := mgr.SearchNodes(ctx, muninn.SearchRequest{
				Query:               args[0],
				Mode:                search.Mode(mode),
				TopK:                topK,
				Threshold:           threshold,
				IncludeScoreDetails: details,
				ScoringProfile:      profile,
				CustomWeights:       weights,
			})
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(search.ModeHybrid), "search mode: keyword, semantic, or hybrid")
	cmd.Flags().IntVar(&topK, "top-k", search.DefaultTopK, "maximum number of results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum semantic similarity")
	cmd.Flags().BoolVar(&details, "details", false, "include per-entity score breakdowns")
	cmd.Flags().StringVar(&profile, "profile", "", "scoring profile: default, recency, frequency, or context")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump the full graph as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer mgr.Store().Close()

			graph, err := mgr.ReadGraph(cmd.Context())
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(graph, "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')

			if out == "" || out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, or - for stdout")
	return cmd
}

func importCmd() *cobra.Command {
	var in string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSON graph dump, merging into the store",
		Long: `Reads a graph produced by "muninn export" and replays it through the
normal ingestion path. Existing entities, observations, and relations are
left untouched; only new content is added (and embedded).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if in == "" || in == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(in)
			}
			if err != nil {
				return err
			}

			var graph storage.Graph
			if err := json.Unmarshal(data, &graph); err != nil {
				return fmt.Errorf("parse graph dump: %w", err)
			}

			mgr, _, err := setup()
			if err != nil {
				return err
			}
			defer mgr.Store().Close()

			entities := make([]muninn.EntityInput, len(graph.Entities))
			for i, e := range graph.Entities {
				entities[i] = muninn.EntityInput{
					Name:         e.Name,
					EntityType:   e.EntityType,
					Observations: e.Observations,
				}
			}
			created, err := mgr.CreateEntities(cmd.Context(), entities)
			if err != nil {
				return err
			}

			relations := make([]muninn.RelationInput, len(graph.Relations))
			for i, r := range graph.Relations {
				relations[i] = muninn.RelationInput{
					From:         r.From,
					To:           r.To,
					RelationType: r.RelationType,
				}
			}
			newRelations, err := mgr.CreateRelations(cmd.Context(), relations)
			if err != nil {
				return err
			}

			newEntities := 0
			for _, c := range created {
				if c.Created {
					newEntities++
				}
			}
			fmt.Printf("imported %d new entities, %d new relations\n", newEntities, len(newRelations))
			return nil
		},
	}

	cmd.Flags().StringVarP(&in, "in", "i", "-", "input file, or - for stdin")
	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
