package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/callscreen/internal/call"
	"github.com/ent0n29/callscreen/internal/config"
	"github.com/ent0n29/callscreen/internal/httpapi"
	"github.com/ent0n29/callscreen/internal/notify"
	"github.com/ent0n29/callscreen/internal/observability"
	"github.com/ent0n29/callscreen/internal/oracle"
	"github.com/ent0n29/callscreen/internal/session"
	"github.com/ent0n29/callscreen/internal/voice"
	"github.com/ent0n29/callscreen/internal/witness"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *call.Orchestrator
	Pipeline     *witness.Pipeline
	Metrics      *observability.Metrics
	VoiceDetail  string
	StoreMode    string

	// Cleanup releases the witness store. Call it after Pipeline.Shutdown.
	Cleanup func() error
}

// Build wires every component from cfg. The session janitor runs until ctx
// is cancelled.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		return nil, err
	}

	screener, err := oracle.New(oracle.Config{
		Mode:    cfg.OracleMode,
		HTTPURL: cfg.OracleHTTPURL,
		ChatURL: cfg.OracleChatURL,
		APIKey:  cfg.OracleAPIKey,
		Model:   cfg.OracleModelID,
		Timeout: cfg.OracleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("oracle init failed: %w", err)
	}

	pipeline, storeMode, err := buildWitness(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		if pipeline != nil {
			_ = pipeline.Close()
		}
		return nil, err
	}

	if unsaltedCallerHashes(cfg, pipeline != nil, notifier) {
		log.Warn().Msg("CALLER_HASH_SALT is empty; caller hashes in witness records and notifications are unsalted")
	}

	sessions := session.NewManager(cfg.SessionInactivity, cfg.SessionRetention)

	deps := call.Deps{
		Oracle:   screener,
		TTS:      voiceSetup.ttsProvider,
		Notifier: notifier,
		Sessions: sessions,
		Metrics:  metrics,
	}
	var reader httpapi.WitnessReader
	if pipeline != nil {
		deps.Witness = pipeline
		reader = pipeline
	}

	orchestrator := call.NewOrchestrator(callConfig(cfg), voiceSetup.sttProvider, deps)

	sessions.SetExpireHook(func(info *session.Info) {
		metrics.CallEvent("expired")
		orchestrator.EndCall(info.CallID, "inactive")
	})
	sessions.StartJanitor(ctx, 15*time.Second)

	api := httpapi.New(cfg, sessions, orchestrator, reader, storeMode, metrics)

	cleanup := func() error {
		if pipeline == nil {
			return nil
		}
		return pipeline.Close()
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Pipeline:     pipeline,
		Metrics:      metrics,
		VoiceDetail:  voiceSetup.detail,
		StoreMode:    storeMode,
		Cleanup:      cleanup,
	}, nil
}

func callConfig(cfg config.Config) call.Config {
	return call.Config{
		GreetingText:        cfg.GreetingText,
		RepromptText:        cfg.RepromptText,
		FallbackText:        cfg.FallbackText,
		TTS:                 voice.TTSOptions{Language: cfg.VoiceLanguage, Rate: cfg.VoiceRate},
		CallerSalt:          cfg.CallerHashSalt,
		BargeInThreshold:    cfg.BargeInThreshold,
		ShortUtteranceWords: cfg.ShortUtterance,
		TurnDebounce:        cfg.TurnDebounce,
		SilenceTimeout:      cfg.SilenceTimeout,
		EndGrace:            cfg.EndGrace,
		PlaybackCapacity:    cfg.PlaybackCapacity,
		OracleTimeout:       cfg.OracleTimeout,
		SynthesisTimeout:    cfg.SynthesisTimeout,
		SummaryTimeout:      cfg.SummaryTimeout,
		NotifyTimeout:       cfg.NotifyTimeout,
	}
}

// buildWitness returns a nil pipeline when WITNESS_MODE=disabled. In http
// mode, services without a URL are left unset and every record fails with a
// configuration error instead of blocking the call. Mock mode falls back to a
// local base URL derived from the bind address.
func buildWitness(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*witness.Pipeline, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.WitnessMode))
	if mode == "disabled" {
		return nil, "disabled", nil
	}

	store, storeMode, err := witness.NewStore(ctx, cfg.DatabaseURL, cfg.WitnessSQLitePath)
	if err != nil {
		return nil, "", fmt.Errorf("witness store init failed: %w", err)
	}

	baseURL := cfg.PublicBaseURL
	var (
		attestor   witness.Attestor
		compressor witness.Compressor
		registry   witness.Registry
	)
	switch mode {
	case "mock":
		m := witness.NewMockServices(250 * time.Millisecond)
		attestor, compressor, registry = m, m, m
		if baseURL == "" {
			// The mock attestor never fetches the disclosure, so a local URL is enough.
			baseURL = localBaseURL(cfg.BindAddr)
			log.Info().Str("base_url", baseURL).Msg("APP_PUBLIC_BASE_URL unset; mock witness uses local disclosure URL")
		}
	default:
		if cfg.AttestationURL != "" {
			attestor = witness.NewHTTPAttestor(cfg.AttestationURL, cfg.WitnessServiceAuth)
		}
		if cfg.CompressionURL != "" {
			compressor = witness.NewHTTPCompressor(cfg.CompressionURL, cfg.WitnessServiceAuth)
		}
		if cfg.RegistryURL != "" {
			registry = witness.NewHTTPRegistry(cfg.RegistryURL, cfg.WitnessServiceAuth)
		}
		if attestor == nil || compressor == nil || registry == nil || baseURL == "" {
			log.Warn().Msg("witness services partially configured; records will be marked failed")
		}
	}

	pipeline := witness.NewPipeline(witness.PipelineConfig{
		PublicBaseURL: baseURL,
		StepTimeout:   cfg.WitnessStepTimeout,
		CallerSalt:    cfg.CallerHashSalt,
	}, store, attestor, compressor, registry, metrics)
	return pipeline, storeMode, nil
}

func buildNotifier(cfg config.Config) (notify.Notifier, error) {
	var sinks notify.Multi
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlackNotifier(cfg.SlackWebhookURL))
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRole != "" {
		archiver, err := notify.NewSupabaseArchiver(cfg.SupabaseURL, cfg.SupabaseServiceRole, cfg.SupabaseBucket)
		if err != nil {
			return nil, fmt.Errorf("supabase archiver init failed: %w", err)
		}
		sinks = append(sinks, archiver)
	}
	if len(sinks) == 0 {
		return notify.Nop{}, nil
	}
	return sinks, nil
}

// unsaltedCallerHashes reports whether caller hashes leave the process
// without a salt.
func unsaltedCallerHashes(cfg config.Config, witnessEnabled bool, notifier notify.Notifier) bool {
	if strings.TrimSpace(cfg.CallerHashSalt) != "" {
		return false
	}
	_, nop := notifier.(notify.Nop)
	return witnessEnabled || !nop
}

func localBaseURL(bindAddr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(bindAddr))
	if err != nil || port == "" {
		return "http://localhost"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
