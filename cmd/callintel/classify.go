package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/app"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/config"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/safety"
)

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Analyse a transcript once and print the decision as JSON",
		Long: `Analyse a transcript once and print the decision as JSON.

The transcript is read from the argument, or from stdin when it is "-" or
omitted.

Examples:
  callintel classify "the bathroom tap is dripping and I need a shelf up"
  cat transcript.txt | callintel classify --lead-type commercial`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			text, err := readTranscript(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			leadType, _ := cmd.Flags().GetString("lead-type")
			elderly, _ := cmd.Flags().GetBool("elderly")
			return classify(cmd, cfg, text, safety.Context{LeadType: leadType, IsElderly: elderly})
		},
	}
	cmd.Flags().String("lead-type", "", "operator lead type, e.g. commercial")
	cmd.Flags().Bool("elderly", false, "caller is elderly")
	return cmd
}

func readTranscript(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}

func classify(cmd *cobra.Command, cfg *config.Config, text string, dctx safety.Context) error {
	ctx := cmd.Context()
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(config.LogWarn))
	slog.SetDefault(newLogger(level))

	// One-shot runs persist nothing.
	cfg.Recorder.Enabled = false

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := app.BuildProviders(cfg, reg, nil)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		return err
	}
	defer func() { _ = application.Shutdown(ctx) }()

	a, err := application.Aggregator().Analyze(ctx, text, dctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}
