/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main implements the toolbridge diagnostics CLI: inspect configured
// tool servers, invoke tools directly, and run tool-calling exchanges against
// any registered backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chainguard.dev/toolbridge/bridge"
	"chainguard.dev/toolbridge/orchestrator"
	"chainguard.dev/toolbridge/orchestrator/claudebackend"
	"chainguard.dev/toolbridge/orchestrator/googlebackend"
	"chainguard.dev/toolbridge/orchestrator/ollamabackend"
	"chainguard.dev/toolbridge/orchestrator/openaibackend"
	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/chainguard-dev/clog"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/sethvargo/go-envconfig"
	"google.golang.org/genai"
)

type config struct {
	ConfigPath string `env:"TOOLBRIDGE_CONFIG,default=toolbridge.yaml"`
	Backend    string `env:"TOOLBRIDGE_BACKEND,default=claude"`
	Model      string `env:"TOOLBRIDGE_MODEL"`
	MaxRounds  int    `env:"TOOLBRIDGE_MAX_ROUNDS"`

	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	OllamaURL       string `env:"OLLAMA_URL,default=http://localhost:11434"`
}

const usage = `usage: toolbridge <command> [args]

commands:
  servers                          list configured tool servers and status
  tools [server ...]               list the namespaced tool catalog
  call <server> <tool> <json>      invoke one tool directly
  resources                        list resources across servers
  read <uri>                       read one resource by URI
  chat <prompt>                    run a tool-calling exchange
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "building backends: %v", err)
	}

	var opts []bridge.Option
	if cfg.MaxRounds > 0 {
		opts = append(opts, bridge.WithMaxRounds(cfg.MaxRounds))
	}
	svc, err := bridge.New(ctx, cfg.ConfigPath, registry, opts...)
	if err != nil {
		clog.FatalContextf(ctx, "starting service: %v", err)
	}
	defer svc.Shutdown(ctx)

	if err := run(ctx, svc, cfg, os.Args[1], os.Args[2:]); err != nil {
		clog.FatalContextf(ctx, "%s: %v", os.Args[1], err)
	}
}

func run(ctx context.Context, svc *bridge.Service, cfg config, command string, args []string) error {
	switch command {
	case "servers":
		for _, s := range svc.ListServers(ctx) {
			line := fmt.Sprintf("%s\t%s\t%d tools", s.ID, s.Status, s.ToolCount)
			if s.LastError != "" {
				line += "\t" + s.LastError
			}
			fmt.Println(line)
		}
		return nil

	case "tools":
		for _, t := range svc.ListTools(ctx, args...) {
			fmt.Printf("%s\t%s\n", t.Name, t.Description)
		}
		return nil

	case "call":
		if len(args) != 3 {
			return fmt.Errorf("usage: call <server> <tool> <json-args>")
		}
		var toolArgs map[string]any
		if err := json.Unmarshal([]byte(args[2]), &toolArgs); err != nil {
			return fmt.Errorf("parsing arguments: %w", err)
		}
		res := svc.ExecuteToolDirect(ctx, args[0], args[1], toolArgs)
		if !res.Success {
			return fmt.Errorf("tool failed after %s: %s", res.Latency, res.Error)
		}
		fmt.Println(res.Content)
		return nil

	case "resources":
		for server, resources := range svc.Resources(ctx) {
			for _, r := range resources {
				fmt.Printf("%s\t%s\t%s\n", server, r.URI, r.Description)
			}
		}
		return nil

	case "read":
		if len(args) != 1 {
			return fmt.Errorf("usage: read <uri>")
		}
		content, err := svc.ReadResource(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(content)
		return nil

	case "chat":
		if len(args) != 1 {
			return fmt.Errorf("usage: chat <prompt>")
		}
		model := cfg.Model
		if model == "" {
			model = defaultModel(cfg.Backend)
		}
		res, err := svc.Respond(ctx, []orchestrator.Turn{
			{Role: orchestrator.RoleUser, Content: args[0]},
		}, cfg.Backend, model)
		if err != nil {
			return err
		}
		switch res.State {
		case orchestrator.StateDone:
			fmt.Println(res.Answer)
		case orchestrator.StateIncomplete:
			fmt.Printf("(incomplete after %d rounds)\n%s\n", len(res.Trace.Rounds), res.Answer)
		case orchestrator.StateFailed:
			return fmt.Errorf("exchange failed: %s", res.FailureReason)
		}
		if len(res.Trace.Rounds) > 0 {
			fmt.Fprintln(os.Stderr, res.Trace.String())
		}
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// buildRegistry registers every backend whose credentials are present.
// Ollama needs none, so it is always available.
func buildRegistry(ctx context.Context, cfg config) (*orchestrator.Registry, error) {
	registry := orchestrator.NewRegistry()

	if cfg.AnthropicAPIKey != "" {
		client := anthropic.NewClient(anthropicoption.WithAPIKey(cfg.AnthropicAPIKey))
		b, err := claudebackend.New(client)
		if err != nil {
			return nil, fmt.Errorf("claude backend: %w", err)
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	if cfg.OpenAIAPIKey != "" {
		opts := []openaioption.RequestOption{openaioption.WithAPIKey(cfg.OpenAIAPIKey)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openaioption.WithBaseURL(cfg.OpenAIBaseURL))
		}
		b, err := openaibackend.New(openai.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("openai backend: %w", err)
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	if cfg.GeminiAPIKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.GeminiAPIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("genai client: %w", err)
		}
		b, err := googlebackend.New(client)
		if err != nil {
			return nil, fmt.Errorf("google backend: %w", err)
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	b, err := ollamabackend.New(cfg.OllamaURL)
	if err != nil {
		return nil, fmt.Errorf("ollama backend: %w", err)
	}
	if err := registry.Register(b); err != nil {
		return nil, err
	}

	clog.InfoContextf(ctx, "registered backends: %v", registry.Names())
	return registry, nil
}

func defaultModel(backend string) string {
	switch backend {
	case "claude":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o"
	case "google":
		return "gemini-2.5-flash"
	case "ollama":
		return "qwen2.5"
	default:
		return ""
	}
}
