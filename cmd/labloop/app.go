package main

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/XiaoConstantine/labloop/pkg/config"
	"github.com/XiaoConstantine/labloop/pkg/curation"
	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/extraction"
	"github.com/XiaoConstantine/labloop/pkg/history"
	"github.com/XiaoConstantine/labloop/pkg/llm"
	"github.com/XiaoConstantine/labloop/pkg/logging"
	"github.com/XiaoConstantine/labloop/pkg/loop"
	"github.com/XiaoConstantine/labloop/pkg/playbook"
	"github.com/XiaoConstantine/labloop/pkg/reflection"
)

// setupLogger replaces the default logger per config before anything else
// runs.
func setupLogger(cfg *config.Config) error {
	outputs := []logging.Output{logging.NewConsoleOutput(true)}
	if cfg.Logging.File != "" {
		fileOut, err := logging.NewFileOutput(cfg.Logging.File)
		if err != nil {
			return err
		}
		outputs = append(outputs, fileOut)
	}
	logging.SetLogger(logging.NewLogger(logging.Config{
		Severity: logging.ParseSeverity(cfg.Logging.Level),
		Outputs:  outputs,
	}))
	return nil
}

// buildService constructs the configured inference backend wrapped in the
// retry decorator.
func buildService(cfg *config.Config) (llm.Service, error) {
	var svc llm.Service
	switch cfg.LLM.Provider {
	case "anthropic":
		s, err := llm.NewAnthropicService(cfg.LLM.APIKey, cfg.LLM.ModelID)
		if err != nil {
			return nil, err
		}
		svc = s
	case "local":
		svc = llm.NewLocalService(cfg.LLM.BaseURL, cfg.LLM.ModelID)
	default:
		return nil, errs.WithFields(
			errs.New(errs.InvalidInput, "unknown llm provider"),
			errs.Fields{"provider": cfg.LLM.Provider},
		)
	}

	policy := llm.DefaultRetryPolicy()
	if cfg.LLM.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.LLM.MaxAttempts
	}
	if cfg.LLM.InitialBackoff != "" {
		policy.InitialBackoff = cfg.LLM.RetryBackoff()
	}
	if cfg.LLM.BackoffMultiplier > 0 {
		policy.BackoffMultiplier = cfg.LLM.BackoffMultiplier
	}
	return llm.WithRetry(svc, policy), nil
}

func buildGenerator(svc llm.Service, cfg *config.Config) *extraction.Generator {
	genCfg := extraction.DefaultConfig()
	genCfg.Model = cfg.LLM.ModelID
	if cfg.LLM.MaxTokens > 0 {
		genCfg.MaxTokens = cfg.LLM.MaxTokens
	}
	genCfg.Temperature = cfg.LLM.Temperature
	return extraction.New(svc, genCfg)
}

func buildReflector(svc llm.Service, cfg *config.Config) reflection.Reflector {
	reflCfg := reflection.DefaultConfig()
	reflCfg.Model = cfg.LLM.ModelID
	if cfg.LLM.MaxTokens > 0 {
		reflCfg.MaxTokens = cfg.LLM.MaxTokens
	}
	if cfg.LLM.Temperature > 0 {
		reflCfg.Temperature = cfg.LLM.Temperature
	}
	return reflection.NewLLMReflector(svc, reflCfg)
}

func buildCurator(svc llm.Service, cfg *config.Config) *curation.Curator {
	var judge curation.SimilarityJudge = curation.LexicalJudge{}
	if cfg.Curator.UseLLMJudge {
		judge = curation.NewLLMJudge(svc, cfg.LLM.ModelID)
	}
	return curation.New(judge, curation.Config{
		SimilarityThreshold:  cfg.Curator.SimilarityThreshold,
		DeprecationThreshold: cfg.Curator.DeprecationThreshold,
		MaxAddsPerRound:      cfg.Curator.MaxAddsPerRound,
	})
}

func buildSink(cfg *config.Config) (history.Sink, error) {
	if cfg.History.Backend == "sqlite" {
		return history.NewSQLiteSink(cfg.History.Path)
	}
	return history.NewMemorySink(), nil
}

func loopConfig(cfg *config.Config) loop.Config {
	loopCfg := loop.DefaultConfig()
	loopCfg.MaxContextBullets = cfg.Loop.MaxContextBullets
	loopCfg.CategoryFilter = cfg.Loop.CategoryFilter
	loopCfg.BestEffortApply = cfg.Loop.BestEffortApply
	if cfg.Loop.FailurePolicy == "skip" {
		loopCfg.FailurePolicy = loop.PolicySkip
	}
	return loopCfg
}

// loadStore builds a playbook store with configured ranking weights,
// restored from the snapshot file when one is given.
func loadStore(cfg *config.Config, snapshotPath string) (*playbook.Store, error) {
	store := playbook.New(playbook.WithRankWeights(playbook.RankWeights{
		Utility: cfg.Playbook.UtilityWeight,
		Recency: cfg.Playbook.RecencyWeight,
	}))

	if snapshotPath == "" {
		return store, nil
	}
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidInput, "failed to read snapshot"),
			errs.Fields{"path": snapshotPath},
		)
	}
	snap, err := playbook.DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if err := store.Restore(snap); err != nil {
		return nil, err
	}
	return store, nil
}

func saveStore(store *playbook.Store, path string) error {
	data, err := store.Snapshot().Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.WithFields(
			errs.Wrap(err, errs.Unknown, "failed to write snapshot"),
			errs.Fields{"path": path},
		)
	}
	return nil
}

// loadNotes reads a JSONL file, one note object per line. Blank lines are
// skipped.
func loadNotes(path string) ([]extraction.Note, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.WithFields(
			errs.Wrap(err, errs.InvalidInput, "failed to open notes file"),
			errs.Fields{"path": path},
		)
	}
	defer f.Close()

	var notes []extraction.Note
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var note extraction.Note
		if err := json.Unmarshal([]byte(text), &note); err != nil {
			return nil, errs.WithFields(
				errs.Wrap(err, errs.SerializationFailed, "malformed note"),
				errs.Fields{"path": path, "line": line},
			)
		}
		if note.Text == "" {
			return nil, errs.WithFields(
				errs.New(errs.InvalidInput, "note has no text"),
				errs.Fields{"path": path, "line": line},
			)
		}
		notes = append(notes, note)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(err, errs.Unknown, "failed to read notes file")
	}
	return notes, nil
}
