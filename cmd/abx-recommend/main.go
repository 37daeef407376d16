// Package main provides the command-line entry point for the antibiotic
// recommendation engine: it loads the guideline corpus and configuration,
// builds the recommendation pipeline, and renders a recommendation for a
// single patient case read from a file or stdin.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/deesatzed/tuhs-abx-steward/internal/config"
	"github.com/deesatzed/tuhs-abx-steward/internal/domain"
	"github.com/deesatzed/tuhs-abx-steward/internal/repository"
	"github.com/deesatzed/tuhs-abx-steward/internal/service"
	"github.com/deesatzed/tuhs-abx-steward/pkg/evidence"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfgManager, err := config.NewManager()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfgManager.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := cfgManager.GetConfig()

	logger := newLogger(cfg.Logging)

	repo := repository.NewGuidelineFileRepository(logger)
	report, err := repo.Load(ctx, cfg.Corpus.RootDir)
	if err != nil {
		return fmt.Errorf("load guideline corpus: %w", err)
	}
	for _, violation := range report.Violations {
		logger.WithField("violation", violation).Warn("guideline corpus cross-reference violation")
	}
	if len(report.Violations) > 0 && cfg.Corpus.FailOnViolations {
		return fmt.Errorf("guideline corpus has %d cross-reference violations", len(report.Violations))
	}

	allergies := service.NewAllergyClassifierService(repo)
	pregnancy := service.NewPregnancyFilterService(repo)
	renal := service.NewRenalAdjusterService(repo)
	selector := service.NewDrugSelectorService(repo, allergies, pregnancy)
	calculator := service.NewDoseCalculatorService(repo, renal)

	var coordinator domain.EvidenceCoordinator
	if cfg.Evidence.Enabled {
		cache, err := evidence.NewCache(cfg.Cache)
		if err != nil {
			return fmt.Errorf("build evidence cache: %w", err)
		}
		defer cache.Close()
		coordinator = evidence.NewCoordinator(cfg.Evidence, cache, logger)
	}

	engine := service.NewRecommendationEngineService(repo, selector, calculator, coordinator, logger)

	patientCase, err := readPatientCase(args)
	if err != nil {
		return fmt.Errorf("read patient case: %w", err)
	}

	result, err := engine.Recommend(ctx, patientCase)
	if err != nil {
		return fmt.Errorf("recommend: %w", err)
	}

	if !result.Success {
		logger.WithField("errors", result.Errors).Warn("recommendation did not complete successfully")
	}
	fmt.Println(result.RecommendationText)
	return nil
}

// readPatientCase reads a JSON-encoded domain.PatientCase from args[0] if
// given, otherwise from stdin.
func readPatientCase(args []string) (*domain.PatientCase, error) {
	var r io.Reader
	if len(args) > 0 {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	} else {
		r = os.Stdin
	}

	var c domain.PatientCase
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode patient case: %w", err)
	}
	return &c, nil
}

func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}
	return logger
}
