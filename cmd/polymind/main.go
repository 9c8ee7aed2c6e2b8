package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/polymind/polymind/internal/profile"
	"github.com/polymind/polymind/internal/version"
	"github.com/polymind/polymind/moe"
	"github.com/polymind/polymind/moe/cache"
	"github.com/polymind/polymind/moe/executor"
	"github.com/polymind/polymind/moe/llm"
	"github.com/polymind/polymind/moe/manifest"
	"github.com/polymind/polymind/moe/metrics"
	"github.com/polymind/polymind/moe/mixer"
	"github.com/polymind/polymind/moe/orchestrator"
	"github.com/polymind/polymind/moe/registry"
	"github.com/polymind/polymind/moe/selector"
	"github.com/polymind/polymind/moe/trace"
	"github.com/polymind/polymind/server"
)

var rootCmd = &cobra.Command{
	Use:   "polymind",
	Short: "A mixture-of-experts orchestrator: routes queries to specialist experts, runs them in parallel, and mixes one coherent response.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Systemd units carry their environment in the unit file.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		p := &profile.Profile{
			Mode:         viper.GetString("mode"),
			Addr:         viper.GetString("addr"),
			Port:         viper.GetInt("port"),
			Data:         viper.GetString("data"),
			ManifestPath: viper.GetString("manifest"),
			Version:      version.String(),
		}
		p.FromEnv()
		if err := p.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}

		installLogger(p)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		srv, err := buildServer(ctx, p)
		if err != nil {
			slog.Error("startup failed", "error", err)
			os.Exit(1)
		}

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			slog.Info("shutting down")
			srv.Shutdown(ctx)
			cancel()
		}()

		printGreetings(p)
		if err := srv.Start(); err != nil {
			slog.Error("server failed", "error", err)
			cancel()
		}
		<-ctx.Done()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.StringFull())
	},
}

// buildServer assembles the whole engine: configuration, model services,
// experts, pipeline components, metrics, and the HTTP surface.
func buildServer(ctx context.Context, p *profile.Profile) (*server.Server, error) {
	cfg := moe.DefaultConfig()
	cfg.CachePersistPath = p.CachePersistPath()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m, err := manifest.Load(p.ManifestPath)
	if err != nil {
		return nil, err
	}
	if m.MinEngineVersion != "" && !version.IsVersionGreaterOrEqualThan(version.Version, m.MinEngineVersion) {
		return nil, fmt.Errorf("manifest requires engine >= %s, this is %s", m.MinEngineVersion, version.Version)
	}

	if !p.IsAIEnabled() {
		return nil, fmt.Errorf("experts are chat-backed; set POLYMIND_LLM_API_KEY or point POLYMIND_LLM_PROVIDER at a local ollama")
	}
	chat, err := llm.NewService(llm.Config{
		Provider: p.LLMProvider,
		Model:    p.LLMModel,
		APIKey:   p.LLMAPIKey,
		BaseURL:  p.LLMBaseURL,
		Timeout:  time.Duration(p.LLMTimeout) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	summarizer := llm.NewSummarizer(chat)
	go chat.Warmup(ctx)

	var embedder selector.EmbeddingProvider
	if p.IsEmbeddingEnabled() {
		svc, err := llm.NewEmbeddingService(llm.EmbeddingConfig{
			Model:      p.EmbeddingModel,
			APIKey:     p.EmbeddingAPIKey,
			BaseURL:    p.EmbeddingBaseURL,
			Dimensions: p.EmbeddingDims,
		})
		if err != nil {
			return nil, err
		}
		embedder = svc
	} else if cfg.SelectionStrategy != moe.StrategyKeyword {
		slog.Warn("no embedding provider configured, selection degrades to keyword scores")
		cfg.SelectionStrategy = moe.StrategyKeyword
	}

	reg := registry.New()
	if err := registerExperts(ctx, reg, m, chat, p, embedder); err != nil {
		return nil, err
	}

	sel, err := selector.New(cfg, embedder)
	if err != nil {
		return nil, err
	}
	mix, err := mixer.New(cfg, summarizer, llm.NewGeocoder(chat))
	if err != nil {
		return nil, err
	}
	ca, err := cache.New(cfg)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	bus := trace.NewBus(cfg.TraceBufferMax)
	bus.AddSink(collector)

	orch := orchestrator.New(cfg, reg, sel, executor.New(cfg), mix, ca, bus)
	return server.NewServer(p, cfg, orch, collector, sel.Chitchat()), nil
}

// registerExperts builds one chat-backed expert per manifest entry. Each
// descriptor gets a semantic embedding of its description when an embedding
// provider is available; failures degrade that expert to keyword matching.
func registerExperts(ctx context.Context, reg *registry.Registry, m *manifest.Manifest, chat llm.Service, p *profile.Profile, embedder selector.EmbeddingProvider) error {
	for _, spec := range m.Experts {
		desc, err := spec.Descriptor()
		if err != nil {
			return err
		}

		if embedder != nil && spec.Description != "" {
			embedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			vec, err := embedder.Embed(embedCtx, spec.Description)
			cancel()
			if err != nil {
				slog.Warn("descriptor embedding failed, expert degrades to keyword matching",
					"expert_id", desc.ID, "error", err)
			} else {
				desc.SemanticEmbedding = vec
			}
		}

		svc := chat
		if spec.Model != "" {
			svc, err = llm.NewService(llm.Config{
				Provider: p.LLMProvider,
				Model:    spec.Model,
				APIKey:   p.LLMAPIKey,
				BaseURL:  p.LLMBaseURL,
				Timeout:  time.Duration(p.LLMTimeout) * time.Second,
			})
			if err != nil {
				return err
			}
		}

		if err := reg.Register(desc, llm.NewPromptExpert(desc, spec.Prompt, svc)); err != nil {
			return err
		}
		slog.Info("expert registered", "expert_id", desc.ID, "cost_class", desc.CostClass.String())
	}
	return nil
}

func installLogger(p *profile.Profile) {
	level := slog.LevelInfo
	if p.IsDev() {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if p.Mode == "prod" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("Polymind %s started successfully!\n", p.Version)
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Data directory: %s\n", p.Data)
	if p.Addr == "" {
		fmt.Printf("Listening on port %d\n", p.Port)
	} else {
		fmt.Printf("Listening on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService detects a systemd-managed process.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28090)
	viper.SetDefault("manifest", "experts.yaml")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("manifest", "experts.yaml", "path to the expert manifest")

	for _, flag := range []string{"mode", "addr", "port", "data", "manifest"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("polymind")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
