// Command deeptavern is the process entrypoint: it loads configuration,
// wires every component (stores, cache, vector collections, the LLM role
// chains, the harvester, the memory compressor, the graph, the orchestrator,
// the session manager, and the debug dashboard) onto one HTTP server, and
// starts it.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/283525452-ops/DeepTavern/cache"
	"github.com/283525452-ops/DeepTavern/config"
	"github.com/283525452-ops/DeepTavern/debug"
	"github.com/283525452-ops/DeepTavern/embedding"
	"github.com/283525452-ops/DeepTavern/graph"
	"github.com/283525452-ops/DeepTavern/harvester"
	"github.com/283525452-ops/DeepTavern/llm"
	llminterface "github.com/283525452-ops/DeepTavern/llm-interface"
	"github.com/283525452-ops/DeepTavern/log"
	"github.com/283525452-ops/DeepTavern/memory"
	"github.com/283525452-ops/DeepTavern/orchestrator"
	"github.com/283525452-ops/DeepTavern/server"
	"github.com/283525452-ops/DeepTavern/session"
	"github.com/283525452-ops/DeepTavern/state"
	"github.com/283525452-ops/DeepTavern/store"
	"github.com/283525452-ops/DeepTavern/vector"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config document (default: ./config.json or AGENTIZE_CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Log.Errorf("[Main] failed to load configuration: %v", err)
		os.Exit(1)
	}

	log.Log.Infof("=== DeepTavern ===")
	log.Log.Infof("[Main] HTTP server enabled: %v", cfg.HTTP.Enabled)
	log.Log.Infof("[Main] harvester enabled: %v", cfg.Harvester.Enabled)
	log.Log.Infof("[Main] graph visualization enabled: %v", cfg.Features.GraphVisualizationEnabled)

	core, err := store.NewCoreStore(cfg.Storage.CoreDBPath)
	if err != nil {
		log.Log.Errorf("[Main] failed to open core store: %v", err)
		os.Exit(1)
	}
	defer core.Close()

	rules, err := store.NewRulesStore(cfg.Storage.RulesDBPath)
	if err != nil {
		log.Log.Errorf("[Main] failed to open rules store: %v", err)
		os.Exit(1)
	}
	defer rules.Close()

	if seedPath := os.Getenv("AGENTIZE_RULES_SEED_PATH"); seedPath != "" {
		if n, err := rules.SeedFromYAML(context.Background(), seedPath); err != nil {
			log.Log.Warnf("[Main] rules preset seed failed: %v", err)
		} else if n > 0 {
			log.Log.Infof("[Main] seeded %d rule fragments from %s", n, seedPath)
		}
	}

	var hot *cache.HotCache
	if cfg.Redis.Enabled {
		hot = cache.New(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Password, cfg.Redis.TTL)
	} else {
		hot = cache.New("", 0, "", 0)
	}

	vectorProvider, _ := cfg.Provider(cfg.Vector.Provider)
	embedder := embedding.New(vectorProvider.APIKey, vectorProvider.BaseURL, cfg.Vector.EmbeddingModel, cfg.Vector.RerankModel)

	ctx := context.Background()
	memCol := openMemoryCollection(ctx, cfg, "long_term_memory", embedder)
	ruleCol := openMemoryCollection(ctx, cfg, "rules_memory", embedder)

	narratorBinding, _ := cfg.Role("narrator")
	narrator := buildStreamingProvider(narratorBinding)

	reflexProvider, reflexModel := buildChainProvider(cfg, "reflex")
	directorProvider, directorModel := buildChainProvider(cfg, "director")
	statusProvider, statusModel := buildChainProvider(cfg, "status")
	moderationProvider, moderationModel := buildChainProvider(cfg, "moderation")
	sociologistProvider, sociologistModel := buildChainProvider(cfg, "sociologist")
	graphProvider, graphModel := buildChainProvider(cfg, "graph_extractor")
	cleanerProvider, cleanerModel := buildChainProvider(cfg, "harvester_cleaner")

	// The memory compressor's draft/critic/historian/probe stages share one
	// provider chain (the source system's SummaryModel role). That chain is a
	// RoleProvider, which sends its own memory_draft model on every call, so
	// the critic/historian/probe model names passed to the compressor do not
	// change which model serves those stages.
	draftProvider, draftModel := buildChainProvider(cfg, "memory_draft")
	criticModel := roleModel(cfg, "memory_critic")
	historianModel := roleModel(cfg, "memory_historian")
	probeModel := roleModel(cfg, "memory_probe")

	crawler := harvester.NewCrawler(
		harvester.NewDuckDuckGoEngine(cfg.Harvester.SearchTimeout),
		harvester.NewGoqueryHTMLEngine("https://cn.bing.com/search?q=%s", "li.b_algo", cfg.Harvester.FetchTimeout),
		"https://r.jina.ai/",
		cfg.Harvester.FetchTimeout,
	)
	cleaner := harvester.NewLLMCleaner(cleanerProvider, cleanerModel)
	harv := harvester.New(crawler, cleaner, memCol, cfg.Harvester.Whitelist, cfg.Harvester.Blacklist, cfg.Harvester.MaxResults)
	if cfg.Harvester.Enabled {
		go harv.Run(ctx)
	}

	compressor := memory.New(core, draftProvider, draftModel, criticModel, historianModel, probeModel, harv, memory.Config{
		MicroEveryMessages: cfg.Scheduler.FirstSummarizationThreshold,
		MacroEveryMicros:   cfg.Scheduler.MicroPerMacro,
		ProbePriority:      5,
	})

	stateEngine := state.New(core, statusProvider, statusModel)
	extractor := graph.NewExtractor(graphProvider, graphModel)
	moderation := orchestrator.NewModeration(moderationProvider, moderationModel)
	sociologist := orchestrator.NewSociologist(sociologistProvider, sociologistModel)

	roles := orchestrator.Roles{
		Reflex:   reflexProvider,
		Director: directorProvider,
		Narrator: narrator,

		ReflexModel:   reflexModel,
		DirectorModel: directorModel,
		NarratorModel: narratorBinding.Model,
	}
	reranker := orchestrator.NewReranker(embedder)
	orch := orchestrator.New(core, rules, hot, memCol, ruleCol, roles, moderation, compressor, stateEngine, extractor, sociologist, reranker)

	sessionMgr := session.New(core, hot, memCol, cfg.Storage.GraphDir, embedder)
	debugHandler := debug.NewHandler(core, rules, sessionMgr)

	srv := server.New(cfg, orch, sessionMgr, debugHandler)
	if err := srv.Start(); err != nil {
		log.Log.Errorf("[Main] HTTP server exited with error: %v", err)
		os.Exit(1)
	}
	if !cfg.HTTP.Enabled {
		log.Log.Infof("[Main] running in library mode (set AGENTIZE_HTTP_ENABLED=true and AGENTIZE_FEATURE_HTTP=true to serve HTTP)")
		select {}
	}
}

// openMemoryCollection opens a Qdrant-backed collection when a host is
// configured via the provider's base URL, falling back to the in-process
// MemoryStore otherwise (offline/dev operation, matching SPEC_FULL.md's
// fallback-collection note).
func openMemoryCollection(ctx context.Context, cfg *config.Config, name string, embedder vector.Embedder) vector.Store {
	qdrantProvider, ok := cfg.Provider("qdrant")
	if !ok || qdrantProvider.BaseURL == "" {
		return vector.NewMemoryStore(name, embedder)
	}
	store, err := vector.NewQdrantStore(ctx, qdrantProvider.BaseURL, 6334, name, 1536, embedder)
	if err != nil {
		log.Log.Warnf("[Main] qdrant unavailable for collection %q, falling back to in-process store: %v", name, err)
		return vector.NewMemoryStore(name, embedder)
	}
	return store
}

// buildChainProvider builds a primary+fallback chain for a role key and
// returns it alongside the primary model name to send on every call.
func buildChainProvider(cfg *config.Config, roleKey string) (llminterface.Provider, string) {
	binding, ok := cfg.Role(roleKey)
	if !ok {
		return llm.NewRemoteProvider(roleKey, "", ""), roleKey
	}
	var backups []llm.Backup
	if binding.HasFallback {
		backups = append(backups, llm.Backup{
			Provider: llm.NewRemoteProvider(roleKey+"-fallback", binding.FallbackAPIKey, binding.FallbackBaseURL),
			Model:    binding.FallbackModel,
			Name:     roleKey + "-fallback",
		})
	}
	primary := llm.NewRemoteProvider(roleKey, binding.APIKey, binding.BaseURL)
	chain := llm.NewChain(primary, binding.Model, backups)
	return llm.NewRoleProvider(chain), binding.Model
}

// roleModel looks up just the model name bound to a role key. The memory
// compressor receives these names for its critic/historian/probe stages,
// but those stages run on the draft stage's RoleProvider chain, which
// ignores the model name it is passed.
func roleModel(cfg *config.Config, roleKey string) string {
	if binding, ok := cfg.Role(roleKey); ok {
		return binding.Model
	}
	return roleKey
}

// buildStreamingProvider builds the narrator's provider directly against its
// primary endpoint, with no fallback chain: once narration has started
// streaming tokens to the client there's no way to restart mid-stream on a
// different backend, so the narrator role always targets its primary
// provider only.
func buildStreamingProvider(binding config.RoleBinding) orchestrator.StreamingNarrator {
	if binding.BaseURL != "" {
		return llm.NewRemoteProvider("narrator", binding.APIKey, binding.BaseURL)
	}
	return llm.NewLocalProvider("narrator", binding.BaseURL)
}
