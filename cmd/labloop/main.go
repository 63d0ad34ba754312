// labloop runs a self-improving lab extraction loop over clinical notes:
// extract, reflect, curate, and carry the learned playbook forward.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/XiaoConstantine/labloop/pkg/config"
	"github.com/XiaoConstantine/labloop/pkg/evaluation"
	"github.com/XiaoConstantine/labloop/pkg/loop"
	"github.com/XiaoConstantine/labloop/pkg/playbook"
)

var (
	configPath   string
	notesPath    string
	snapshotIn   string
	snapshotOut  string
	maxParallel  int
	showInactive bool
)

var rootCmd = &cobra.Command{
	Use:   "labloop",
	Short: "Self-improving lab value extraction from clinical notes",
	Long: `labloop extracts structured lab values from free-text clinical notes and
learns from its own mistakes: after each note, a reflector critiques the
extraction and a curator distills the critique into a playbook of reusable
strategies that conditions every later extraction.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the learning loop over a notes file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		notes, err := loadNotes(notesPath)
		if err != nil {
			return err
		}

		svc, err := buildService(cfg)
		if err != nil {
			return err
		}
		store, err := loadStore(cfg, snapshotIn)
		if err != nil {
			return err
		}
		sink, err := buildSink(cfg)
		if err != nil {
			return err
		}

		controller := loop.NewController(
			store,
			buildGenerator(svc, cfg),
			buildReflector(svc, cfg),
			buildCurator(svc, cfg),
			loopConfig(cfg),
			loop.WithStartRound(cfg.Loop.StartRound),
			loop.WithHistory(sink),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var failed int
		for record, err := range controller.Run(ctx, notes) {
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "round failed: %v\n", err)
				continue
			}
			fmt.Printf("round %d: note %s, %d labs, %d ops, playbook v%d\n",
				record.RoundIndex, record.NoteID, len(record.Extraction.Labs),
				len(record.OpsApplied), record.VersionAfter)
		}

		fmt.Printf("\nplaybook: %d bullets at version %d (%d rounds failed)\n",
			store.Len(), store.Version(), failed)

		if snapshotOut != "" {
			if err := saveStore(store, snapshotOut); err != nil {
				return err
			}
			fmt.Printf("snapshot written to %s\n", snapshotOut)
		}
		return nil
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Extract every note with and without the playbook and diff the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		notes, err := loadNotes(notesPath)
		if err != nil {
			return err
		}
		svc, err := buildService(cfg)
		if err != nil {
			return err
		}
		store, err := loadStore(cfg, snapshotIn)
		if err != nil {
			return err
		}

		contextLines := slices.Collect(store.RenderContext(cfg.Loop.MaxContextBullets, cfg.Loop.CategoryFilter))
		comparator := evaluation.NewComparator(
			buildGenerator(svc, cfg),
			contextLines,
			evaluation.WithMaxGoroutines(maxParallel),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		results := comparator.Compare(ctx, notes)
		fmt.Print(evaluation.FormatTable(results))
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the bullets in a playbook snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(snapshotIn)
		if err != nil {
			return err
		}
		snap, err := playbook.DecodeSnapshot(data)
		if err != nil {
			return err
		}

		bullets := snap.Bullets
		sort.Slice(bullets, func(i, j int) bool { return bullets[i].ID < bullets[j].ID })

		fmt.Printf("playbook version %d, %d bullets\n\n", snap.Version, len(bullets))
		for _, b := range bullets {
			if !showInactive && !b.Active() {
				continue
			}
			fmt.Printf("%s\n", b.String())
			if !b.Active() {
				fmt.Printf("  (deprecated at round %d)\n", b.LastTouchedRound)
			}
		}
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.Default()
		applyEnvDefault(cfg)
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	if err := setupLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvDefault lets the no-config path still pick up credentials.
func applyEnvDefault(cfg *config.Config) {
	if v := os.Getenv("LABLOOP_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")

	runCmd.Flags().StringVar(&notesPath, "notes", "", "JSONL file of clinical notes (required)")
	runCmd.Flags().StringVar(&snapshotIn, "snapshot-in", "", "playbook snapshot to resume from")
	runCmd.Flags().StringVar(&snapshotOut, "snapshot-out", "", "write the final playbook snapshot here")
	_ = runCmd.MarkFlagRequired("notes")

	compareCmd.Flags().StringVar(&notesPath, "notes", "", "JSONL file of clinical notes (required)")
	compareCmd.Flags().StringVar(&snapshotIn, "snapshot-in", "", "playbook snapshot to compare against (required)")
	compareCmd.Flags().IntVar(&maxParallel, "parallel", 4, "max concurrent note comparisons")
	_ = compareCmd.MarkFlagRequired("notes")
	_ = compareCmd.MarkFlagRequired("snapshot-in")

	inspectCmd.Flags().StringVar(&snapshotIn, "snapshot-in", "", "playbook snapshot to inspect (required)")
	inspectCmd.Flags().BoolVar(&showInactive, "all", false, "include deprecated bullets")
	_ = inspectCmd.MarkFlagRequired("snapshot-in")

	rootCmd.AddCommand(runCmd, compareCmd, inspectCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
