// Command relay is a thin host around the agent runtime: it loads templates,
// wires a provider, runs one agent, and prints the response stream. All
// rendering stays here; the runtime owns none of it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/runstore"
	"github.com/haasonsaas/relay/internal/template"
	"github.com/haasonsaas/relay/pkg/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		templatesDir string
		agentType    string
		provider     string
		prompt       string
		runsPath     string
		logLevel     string
		showEvents   bool
	)

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Run an agent from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" && len(args) > 0 {
				prompt = strings.Join(args, " ")
			}
			if prompt == "" {
				return fmt.Errorf("a prompt is required")
			}

			logger := observability.NewLogger(observability.LogConfig{Level: logLevel, Format: "text"})

			registry := template.NewRegistry(nil, nil)
			if templatesDir != "" {
				if err := template.LoadDir(templatesDir, registry); err != nil {
					return err
				}
			}

			transport, err := newTransport(provider)
			if err != nil {
				return err
			}

			var runs runstore.Store = runstore.NewMemoryStore()
			if runsPath != "" {
				sqlite, err := runstore.OpenSQLite(runsPath)
				if err != nil {
					return err
				}
				defer sqlite.Close()
				runs = sqlite
			}

			rt, err := agent.New(agent.Config{
				Transport: transport,
				Templates: registry,
				Runs:      runs,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sink := agent.NewCallbackSink(func(ctx context.Context, chunk *models.ResponseChunk) {
				if chunk.Text != "" {
					fmt.Print(chunk.Text)
					return
				}
				if chunk.Event == nil || !showEvents {
					return
				}
				switch chunk.Event.Kind {
				case models.EventToolCall:
					fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", chunk.Event.ToolName, chunk.Event.Input)
				case models.EventSubagentStart:
					fmt.Fprintf(os.Stderr, "\n[spawn] %s\n", chunk.Event.AgentType)
				case models.EventSubagentFinish:
					fmt.Fprintf(os.Stderr, "\n[done] %s\n", chunk.Event.AgentType)
				case models.EventError:
					fmt.Fprintf(os.Stderr, "\n[error] %s\n", chunk.Event.Message)
				}
			})

			state, output, err := rt.Run(ctx, agentType, &agent.RunOptions{
				Prompt: prompt,
				Sink:   sink,
			})
			if err != nil {
				return err
			}
			fmt.Println()

			if output != nil {
				if output.Type == "error" {
					return fmt.Errorf("%s", output.Message)
				}
				if len(output.Value) > 0 {
					pretty, err := json.MarshalIndent(json.RawMessage(output.Value), "", "  ")
					if err == nil {
						fmt.Println(string(pretty))
					}
				}
			}
			fmt.Fprintf(os.Stderr, "run %s: %d credits used\n", state.RunID, int(state.CreditsUsed))
			return nil
		},
	}

	cmd.Flags().StringVar(&templatesDir, "templates", "", "directory of agent template YAML files")
	cmd.Flags().StringVar(&agentType, "agent", "base", "agent template id to run")
	cmd.Flags().StringVar(&provider, "provider", "anthropic", "LLM provider: anthropic or openai")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "user prompt")
	cmd.Flags().StringVar(&runsPath, "runs", "", "sqlite path for run records (default in-memory)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&showEvents, "events", false, "print tool and subagent events to stderr")
	return cmd
}

func newTransport(provider string) (agent.Transport, error) {
	switch provider {
	case "anthropic":
		return providers.NewAnthropicTransport(providers.AnthropicConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		})
	case "openai":
		return providers.NewOpenAITransport(providers.OpenAIConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
		})
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
