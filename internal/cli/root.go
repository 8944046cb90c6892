// Package cli implements the cognigraph CLI commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rcliao/cognigraph/internal/engine"
	"github.com/rcliao/cognigraph/internal/extract"
	"github.com/rcliao/cognigraph/internal/logging"
	"github.com/rcliao/cognigraph/internal/similarity"
	"github.com/rcliao/cognigraph/internal/store"
)

var (
	dbPath    string
	debugFlag bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "cognigraph",
	Short: "Hierarchical memory graph for conversational agents",
	Long: "A three-layer memory index for long-term agent recall: session summaries,\n" +
		"entity-relation triples and raw evidence chunks. SQLite-backed, single binary.",
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $COGNIGRAPH_DB or ~/.cognigraph/graph.db)")
	RootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	viper.BindPFlag("db", RootCmd.PersistentFlags().Lookup("db"))
}

func initConfig() {
	viper.SetConfigName("cognigraph")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".cognigraph"))
	}
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("COGNIGRAPH")
	viper.AutomaticEnv()

	viper.SetDefault("decay_half_life", "168h")
	viper.SetDefault("top_sessions", 3)
	viper.SetDefault("triples_per_session", 5)
	viper.SetDefault("chunks_per_triple", 2)
	viper.SetDefault("context_budget", 8000)
	viper.SetDefault("summary_max_len", 2000)
	viper.SetDefault("extract_timeout", "30s")

	viper.ReadInConfig() // missing config file is fine
}

func getDBPath() string {
	if p := viper.GetString("db"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cognigraph", "graph.db")
}

func newLogger() *slog.Logger {
	return logging.New(logging.WithDebug(debugFlag), logging.WithPretty(true))
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(getDBPath())
}

func engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if d, err := time.ParseDuration(viper.GetString("decay_half_life")); err == nil {
		cfg.DecayHalfLife = d
	}
	if d, err := time.ParseDuration(viper.GetString("extract_timeout")); err == nil {
		cfg.ExtractTimeout = d
	}
	cfg.TopSessions = viper.GetInt("top_sessions")
	cfg.TriplesPerSession = viper.GetInt("triples_per_session")
	cfg.ChunksPerTriple = viper.GetInt("chunks_per_triple")
	cfg.ContextBudget = viper.GetInt("context_budget")
	cfg.SummaryMaxLen = viper.GetInt("summary_max_len")
	return cfg
}

func newEngine(s *store.SQLiteStore) *engine.Engine {
	return newEngineWithConfig(s, engineConfig())
}

func newEngineWithConfig(s *store.SQLiteStore, cfg engine.Config) *engine.Engine {
	extractor := extract.NewOpenAIExtractor(
		viper.GetString("extract_url"),
		os.Getenv("OPENAI_API_KEY"),
		viper.GetString("extract_model"),
		0,
	)
	return engine.New(s, extractor, similarity.NewScorerFromEnv(), newLogger(), cfg)
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
