package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: bot token → workflow → access → save config",
		Long:  "Asks for the Telegram bot token, the workflow API base and key, and the allowed user IDs, then writes the config to the path used by --config or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(os.Stdin, os.Stdout, resolveConfigPath())
		},
	}
}

func runWizard(in io.Reader, out io.Writer, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	fmt.Fprintln(out, "\n--- Step 1: Telegram ---")
	tokenDef := cfg.Telegram.Token
	if tokenDef == "" {
		tokenDef = "${TELEGRAM_BOT_TOKEN}"
	}
	if cfg.Telegram.Token, err = prompt("Bot token (from @BotFather, or ${ENV_VAR})", tokenDef); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 2: Workflow ---")
	if cfg.Workflow.APIBase, err = prompt("API base", cfg.Workflow.APIBase); err != nil {
		return err
	}
	keyDef := cfg.Workflow.APIKey
	if keyDef == "" {
		keyDef = "${DIFY_API_KEY}"
	}
	if cfg.Workflow.APIKey, err = prompt("API key (or ${ENV_VAR})", keyDef); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n--- Step 3: Access ---")
	allow, err := prompt("Allowed Telegram user IDs, comma separated (empty = everyone)", strings.Join(cfg.Telegram.AllowFrom, ","))
	if err != nil {
		return err
	}
	cfg.Telegram.AllowFrom = nil
	for _, id := range strings.Split(allow, ",") {
		if id = strings.TrimSpace(id); id != "" {
			cfg.Telegram.AllowFrom = append(cfg.Telegram.AllowFrom, id)
		}
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'difybot doctor', then 'difybot gateway'.")
	return nil
}
