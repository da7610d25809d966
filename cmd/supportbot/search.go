package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"supportbot/internal/domain"
	"supportbot/internal/kb"
	"supportbot/internal/router"
)

// withEngine loads config, builds the app and indexes the knowledge base
// before calling fn.
func withEngine(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.rebuild(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func queryCmd() *cobra.Command {
	var (
		alpha float64
		topK  int
	)
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Rank knowledge entries for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withEngine(func(ctx context.Context, a *app) error {
				sc := a.engine.Scoring()
				if !cmd.Flags().Changed("alpha") {
					alpha = sc.Alpha
				}
				if topK <= 0 {
					topK = sc.TopK
				}
				if alpha < 0 || alpha > 1 {
					return fmt.Errorf("alpha must be between 0 and 1")
				}
				results, err := a.engine.Search(ctx, query, alpha, topK)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Println("No results (query is outside the knowledge base).")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tID\tTITLE\tFUSED\tBM25\tCOSINE")
				for i, r := range results {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%.3f\t%.3f\n",
						i+1, r.EntryID, r.Title, r.Fused, r.Lexical, r.Semantic)
				}
				if !results[0].SemanticOK {
					fmt.Fprintln(tw, "\t(semantic scores unavailable; ranked lexically)")
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Float64Var(&alpha, "alpha", 0, "lexical weight in [0,1] (default from config)")
	cmd.Flags().IntVarP(&topK, "top", "k", 0, "number of results (default from config)")
	return cmd
}

func routeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "route [text]",
		Short: "Show the routing decision and the reply for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withEngine(func(ctx context.Context, a *app) error {
				d, err := a.engine.Route(ctx, query)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(d)
				}
				var entry *domain.KnowledgeEntry
				if e, ok := a.engine.Entry(d.EntryID); ok && d.Outcome == domain.OutcomeConfident {
					entry = &e
				}
				fmt.Printf("outcome: %s  action: %s  entry: %s\n\n", d.Outcome, d.Action(), d.EntryID)
				fmt.Println(router.Render(d, entry))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the decision as JSON")
	return cmd
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Index the knowledge base and refresh the embedding cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, a *app) error {
				return printJSON(a.engine.Status())
			})
		},
	}
}

func kbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge base entries",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List knowledge base entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			src := kb.NewFileSource(cfg.Knowledge.Path, logger)
			entries, err := src.Entries(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tSTEPS\tVALID")
			for _, e := range entries {
				valid := "yes"
				if err := e.Validate(); err != nil {
					valid = "no"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.ID, e.Title, len(e.DiagnosticSteps), valid)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [file]",
		Short: "Add or replace entries from a JSON or YAML file",
		Long:  "Reads one entry (an object) or several (a list) in the knowledge-base format and saves them. A running gateway picks the change up through its file watcher.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			entries, err := kb.ParseEntries(args[0], data)
			if err != nil {
				return err
			}
			src := kb.NewFileSource(cfg.Knowledge.Path, logger)
			for _, e := range entries {
				replaced, err := src.Add(cmd.Context(), e)
				if err != nil {
					return err
				}
				verb := "added"
				if replaced {
					verb = "replaced"
				}
				fmt.Printf("%s %s: %s\n", verb, e.ID, e.Title)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete an entry by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			src := kb.NewFileSource(cfg.Knowledge.Path, logger)
			found, err := src.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no entry with id %q", args[0])
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the embedding cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached corpus embedding",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.engine.ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("embedding cache cleared")
			return nil
		},
	})
	return cmd
}

func ticketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List and close queued tickets",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			tickets, err := a.store.ListTickets(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			return printJSON(tickets)
		},
	}
	list.Flags().StringVar(&status, "status", "open", "open, closed or empty for all")
	list.Flags().IntVar(&limit, "limit", 50, "maximum tickets to list")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "close [id]",
		Short: "Mark a ticket as closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.CloseTicket(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("closed %s\n", args[0])
			return nil
		},
	})
	return cmd
}
