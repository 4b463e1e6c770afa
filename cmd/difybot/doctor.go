package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/config"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/mediacache"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/provider"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your difybot installation",
		Long: `Verifies that difybot's configuration, scratch directory, media cache
and workflow API are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("difybot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'difybot init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Secrets present
			if unsetSecret(cfg.Telegram.Token) {
				printFail("Telegram token", "not set (telegram.token)")
				failed++
			} else {
				printPass("Telegram token", "set")
				passed++
			}
			if unsetSecret(cfg.Workflow.APIKey) {
				printFail("Workflow API key", "not set (workflow.apiKey)")
				failed++
			} else {
				printPass("Workflow API key", "set")
				passed++
			}

			// 4. Scratch directory writable
			if err := checkWritable(cfg.Fetch.ScratchDir); err != nil {
				printFail("Scratch dir", err.Error())
				failed++
			} else {
				printPass("Scratch dir", cfg.Fetch.ScratchDir)
				passed++
			}

			// 5. Media cache opens and accepts a write
			if err := checkCache(cfg.Cache); err != nil {
				printFail("Media cache", err.Error())
				failed++
			} else {
				printPass("Media cache", cfg.Cache.Backend)
				passed++
			}

			// 6. Workflow API reachable
			if !unsetSecret(cfg.Workflow.APIKey) {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				wf := provider.NewWorkflow(provider.WorkflowConfig{
					APIBase: cfg.Workflow.APIBase,
					APIKey:  cfg.Workflow.APIKey,
					Timeout: 15 * time.Second,
					Logger:  logger,
				})
				err := wf.Healthy(ctx)
				cancel()
				if err != nil {
					printWarn("Workflow API", err.Error())
					warned++
				} else {
					printPass("Workflow API", cfg.Workflow.APIBase)
					passed++
				}
			}

			// 7. Metrics listener
			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics listen", cfg.Metrics.Listen)
					passed++
				}
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running difybot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ndifybot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! difybot is ready to run.\n")
			}
			return nil
		},
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkCache(cfg config.CacheConfig) error {
	store, err := mediacache.Open(mediacache.Config{
		Backend:    cfg.Backend,
		MaxEntries: cfg.MaxEntries,
		TTL:        cfg.TTL(),
		DSN:        cfg.DSN,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probe := domain.Fragment{ChatID: -1, MessageID: 1, MediaGroupID: "doctor-probe", ReceivedAt: time.Now()}
	if _, err := store.Record(ctx, probe); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
