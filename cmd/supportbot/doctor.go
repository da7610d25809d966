package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"supportbot/internal/config"
	"supportbot/internal/domain"
	"supportbot/internal/kb"
	"supportbot/internal/provider"
)

// doctorReport counts check results.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the supportbot installation",
		Long: `Verifies the configuration, the knowledge base file, the database,
the embedders and the API port. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("supportbot doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'supportbot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			checkKnowledge(ctx, cfg, &r)

			if err := checkDatabase(cfg.Memory.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Memory.DBPath)
			}

			checkEmbedders(ctx, cfg, &r)

			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Host, cfg.API.Port); err != nil {
					r.warn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
				} else {
					r.pass("API port", fmt.Sprintf("%s:%d available", cfg.API.Host, cfg.API.Port))
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

// checkKnowledge loads the knowledge base and validates every entry.
func checkKnowledge(ctx context.Context, cfg *config.Config, r *doctorReport) {
	src := kb.NewFileSource(cfg.Knowledge.Path, logger)
	if _, err := os.Stat(cfg.Knowledge.Path); err != nil {
		r.fail("Knowledge base", fmt.Sprintf("not found: %s", cfg.Knowledge.Path))
		return
	}
	entries, err := src.Entries(ctx)
	if err != nil {
		r.fail("Knowledge base", err.Error())
		return
	}
	if len(entries) == 0 {
		r.warn("Knowledge base", "no entries; every query will escalate")
		return
	}
	malformed := 0
	for _, e := range entries {
		if err := e.Validate(); errors.Is(err, domain.ErrMalformedEntry) {
			malformed++
		}
	}
	if malformed > 0 {
		r.warn("Knowledge base", fmt.Sprintf("%d of %d entries are malformed and will be skipped", malformed, len(entries)))
		return
	}
	r.pass("Knowledge base", fmt.Sprintf("%d entries", len(entries)))
}

// checkEmbedders health-checks the default embedder and the failover chain.
func checkEmbedders(ctx context.Context, cfg *config.Config, r *doctorReport) {
	factory := provider.NewFactory(cfg, logger)
	names := append([]string{cfg.General.DefaultEmbedder}, cfg.General.FailoverChain...)
	seen := map[string]bool{}
	healthy := 0
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		e, err := factory.Get(name)
		if err != nil {
			r.fail("Embedder: "+name, err.Error())
			continue
		}
		if err := e.Healthy(ctx); err != nil {
			r.warn("Embedder: "+name, fmt.Sprintf("unhealthy: %v", err))
			continue
		}
		r.pass("Embedder: "+name, e.Model())
		healthy++
	}
	if healthy == 0 {
		r.warn("Embedders", "none healthy; searches will be lexical only")
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
