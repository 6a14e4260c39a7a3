package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"llmgate/internal/backoff"
	"llmgate/internal/config"
	"llmgate/internal/credential"
	"llmgate/internal/events"
	"llmgate/internal/invoker"
	"llmgate/internal/logging"
	"llmgate/internal/patch"
	"llmgate/internal/provider"
	"llmgate/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	model := flag.String("model", "", "Model identifier")
	role := flag.String("role", "draft", "Invocation role (draft, implement, review)")
	prompt := flag.String("prompt", "", "Prompt text; reads stdin when empty")
	artifact := flag.String("artifact", "", "Path to an artifact to modify; switches to generate-or-patch mode")
	out := flag.String("out", "", "Write the response to this file instead of stdout")
	budget := flag.Duration("budget", 0, "Overall time budget for the call")
	flag.Parse()

	cm, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	defer cm.Close()
	cfg := cm.Get()

	if *debug {
		cfg.Debug = true
	}
	if err := logging.Setup(logging.Options{Debug: cfg.Debug, LogFile: cfg.LogFile}); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	if *model == "" {
		log.Fatal("-model is required")
	}
	if len(cfg.Providers) == 0 {
		log.Fatal("no providers configured")
	}

	ctx := context.Background()
	hub := events.NewHub()
	cm.SetEventPublisher(hub)
	hub.Subscribe(events.TopicInvocationCompleted, func(_ context.Context, e events.Event) {
		log.WithField("record", e.Payload).Debug("invocation completed")
	})

	pool, err := buildPool(ctx, cfg, hub)
	if err != nil {
		log.WithError(err).Fatal("failed to build credential pool")
	}

	chain, err := buildChain(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to build provider chain")
	}

	tracker := usage.NewTracker()
	iv := invoker.New(invoker.Options{
		Chain: chain,
		Pool:  pool,
		Policy: backoff.Policy{
			Base:   cfg.BackoffBase(),
			Max:    cfg.BackoffMax(),
			Jitter: cfg.BackoffJitter,
		},
		MaxAttempts:      cfg.RetryMax,
		OverloadCooldown: cfg.OverloadCooldown(),
		Publisher:        hub,
		Usage:            tracker,
	})

	promptText, err := readPrompt(*prompt)
	if err != nil {
		log.WithError(err).Fatal("failed to read prompt")
	}

	var text string
	if *artifact != "" {
		text, err = runPatch(ctx, cfg, iv, *artifact, promptText, *model, *role, *budget)
	} else {
		text, err = runInvoke(ctx, iv, promptText, *model, *role, *budget)
	}
	if err != nil {
		log.WithError(err).Error("invocation failed")
		os.Exit(1)
	}

	if err := writeOutput(*out, text); err != nil {
		log.WithError(err).Fatal("failed to write output")
	}
}

func buildPool(ctx context.Context, cfg *config.FileConfig, hub events.Publisher) (*credential.Pool, error) {
	opts := credential.Options{
		FailureThreshold:  cfg.FailureThreshold,
		DefaultQuarantine: cfg.QuarantineDefault(),
		Publisher:         hub,
	}
	switch cfg.StateBackend {
	case "file":
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		opts.StateStore = &credential.FileStateStore{Dir: cfg.StateDir}
	case "redis":
		store, err := credential.NewRedisStateStore(ctx, credential.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		opts.StateStore = store
	case "":
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}

	pool := credential.NewPool(opts)
	for _, cc := range cfg.Credentials {
		if cc.ID == "" || cc.Family == "" {
			return nil, fmt.Errorf("credential entries need id and family")
		}
		pool.Add(&credential.Credential{ID: cc.ID, Family: cc.Family, SecretRef: cc.SecretRef})
	}
	pool.RestoreStates(ctx)
	return pool, nil
}

func buildChain(cfg *config.FileConfig) ([]invoker.ChainEntry, error) {
	resolver := provider.DefaultResolver()
	chain := make([]invoker.ChainEntry, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		var adapter provider.Adapter
		switch pc.Kind {
		case "http":
			adapter = provider.NewHTTPAdapter(provider.HTTPConfig{
				Name:           pc.Name,
				Family:         pc.Family,
				Endpoint:       pc.Endpoint,
				Ceiling:        time.Duration(pc.TimeoutCeilingSec) * time.Second,
				RateLimitRPS:   pc.RateLimitRPS,
				RateLimitBurst: pc.RateLimitBurst,
				Secrets:        resolver,
			})
		case "process":
			adapter = provider.NewProcessAdapter(provider.ProcessConfig{
				Name:        pc.Name,
				Family:      pc.Family,
				Command:     pc.Command,
				Args:        pc.Args,
				SandboxArgs: pc.SandboxArgs,
				SecretEnv:   pc.SecretEnv,
				Ceiling:     time.Duration(pc.TimeoutCeilingSec) * time.Second,
				Secrets:     resolver,
			})
		default:
			return nil, fmt.Errorf("provider %q has unknown kind %q", pc.Name, pc.Kind)
		}
		chain = append(chain, invoker.ChainEntry{
			Adapter:              adapter,
			CostPerMInputTokens:  pc.CostPerMInputTokens,
			CostPerMOutputTokens: pc.CostPerMOutputTokens,
		})
	}
	return chain, nil
}

func runInvoke(ctx context.Context, iv *invoker.Invoker, prompt, model, role string, budget time.Duration) (string, error) {
	res := iv.Invoke(ctx, invoker.Request{
		Prompt:        prompt,
		ModelID:       model,
		Role:          role,
		TimeoutBudget: budget,
	})
	log.WithFields(log.Fields{
		"provider":      res.ProviderUsed,
		"attempts":      res.Attempts,
		"duration_ms":   res.DurationMS,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
		"finish_reason": res.FinishReason,
	}).Info("invocation finished")

	if !res.Success {
		if res.Err != nil {
			return "", res.Err
		}
		return "", fmt.Errorf("response %s", res.FinishReason)
	}
	return res.Text, nil
}

func runPatch(ctx context.Context, cfg *config.FileConfig, iv *invoker.Invoker, artifactPath, instruction, model, role string, budget time.Duration) (string, error) {
	base, err := os.ReadFile(artifactPath)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}

	guard := patch.New(patch.Options{Caller: iv, ThresholdLines: cfg.TruncationThresholdLines})
	res := guard.GenerateOrPatch(ctx, string(base), patch.Request{
		Instruction:   instruction,
		ModelID:       model,
		Role:          role,
		TimeoutBudget: budget,
	})
	log.WithFields(log.Fields{
		"strategy":         res.StrategyUsed,
		"retries_consumed": res.RetriesConsumed,
	}).Info("generate-or-patch finished")

	if !res.Success {
		return "", res.Err
	}
	return res.Artifact, nil
}

func readPrompt(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty prompt")
	}
	return string(data), nil
}

func writeOutput(path, text string) error {
	if path == "" {
		_, err := fmt.Println(text)
		return err
	}
	return os.WriteFile(path, []byte(text), 0o644)
}
