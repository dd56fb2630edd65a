// Package pipeline runs one synthesis cycle end to end: collect the
// session's feature records and reflexive feedback, build the instruction
// payload, submit it to the reasoning engine, reconcile the returned
// decision cards, propagate priorities to the tracker, and advance the
// consumed feedback.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"starpipe/internal/config"
	"starpipe/internal/feedback"
	"starpipe/internal/prompt"
	"starpipe/internal/reasoning"
	"starpipe/internal/reconcile"
	"starpipe/internal/record"
	"starpipe/internal/session"
	"starpipe/internal/tracker"
)

// engine submits one instruction payload and returns raw content.
type engine interface {
	Submit(ctx context.Context, instruction string) (string, error)
}

// sink propagates decision cards to the issue tracker.
type sink interface {
	Propagate(ctx context.Context, cards []reconcile.DecisionCard) *tracker.PropagationReport
}

// Result summarizes one completed cycle.
type Result struct {
	// CardsPath is the absolute path of the written decision-card artifact.
	CardsPath string
	Cards     []reconcile.DecisionCard
	// Unmatched lists source record keys the engine returned no card for.
	Unmatched []string
	// Orphans are engine cards that matched no source record.
	Orphans []reconcile.DecisionCard

	FeatureCount  int
	FeedbackCount int

	Propagation *tracker.PropagationReport
	// FeedbackArchived reports whether consumed feedback rows were moved
	// to the archive sheet.
	FeedbackArchived bool
}

// Runner executes synthesis cycles for one session.
type Runner struct {
	cfg        *config.Config
	sess       *session.Context
	fbSource   feedback.Source
	engine     engine
	sink       sink
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
}

// New wires a runner from config. The exchange log lands in the session
// folder next to the other artifacts.
func New(cfg *config.Config, sess *session.Context, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	exchangeLog := reasoning.NewExchangeLog(sess.ExchangeLogPath())
	return &Runner{
		cfg:        cfg,
		sess:       sess,
		fbSource:   feedback.NewDirSource(cfg.Feedback.Dir, logger),
		engine:     reasoning.NewClient(cfg.Engine, cfg.EngineTimeout(), exchangeLog, logger),
		sink:       tracker.NewClient(cfg.Tracker, cfg.TrackerTimeout(), logger),
		reconciler: reconcile.New(cfg.Reconcile.KeyAliases, logger),
		logger:     logger,
	}
}

// Run executes one cycle. Steps are strictly sequential; a failure before
// reconciliation succeeds aborts the cycle without writing a decision-card
// artifact and without touching the feedback source. Feedback is advanced
// at most once, after propagation.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	store, err := record.OpenStore(r.sess.RecordsDBPath(), r.sess.ID, r.logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	records, err := store.All()
	if err != nil {
		return nil, err
	}

	fb, err := r.fbSource.Rows(ctx, r.cfg.Feedback.ActiveSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read reflexive feedback: %w", err)
	}

	payload, err := prompt.Build(records, fb)
	if err != nil {
		return nil, err
	}
	r.logger.Info("assembled instruction payload",
		zap.String("session", r.sess.ID),
		zap.Int("features", payload.FeatureCount),
		zap.Int("feedback_rows", payload.FeedbackCount))

	// Snapshot exactly what was submitted.
	if err := store.ExportJSON(r.sess.RecordsPath()); err != nil {
		return nil, err
	}

	raw, err := r.engine.Submit(ctx, payload.Text)
	if err != nil {
		return nil, err
	}

	reconciled, err := r.reconciler.Reconcile(raw, records)
	if err != nil {
		return nil, err
	}

	cardsPath := r.sess.DecisionCardsPath()
	if err := writeCards(cardsPath, reconciled.Cards); err != nil {
		return nil, err
	}
	r.logger.Info("wrote decision cards",
		zap.String("path", cardsPath),
		zap.Int("cards", len(reconciled.Cards)),
		zap.Int("unmatched", len(reconciled.Unmatched)),
		zap.Int("orphans", len(reconciled.Orphans)))

	report := r.sink.Propagate(ctx, reconciled.Cards)

	result := &Result{
		CardsPath:     cardsPath,
		Cards:         reconciled.Cards,
		Unmatched:     reconciled.Unmatched,
		Orphans:       reconciled.Orphans,
		FeatureCount:  payload.FeatureCount,
		FeedbackCount: payload.FeedbackCount,
		Propagation:   report,
	}

	if payload.FeedbackCount > 0 {
		if err := r.fbSource.MoveRows(ctx, r.cfg.Feedback.ActiveSheet, r.cfg.Feedback.ArchiveSheet); err != nil {
			// The cycle already produced its artifact; report the stuck
			// feedback instead of failing the run.
			r.logger.Error("failed to archive consumed feedback", zap.Error(err))
		} else {
			result.FeedbackArchived = true
		}
	}

	return result, nil
}

func writeCards(path string, cards []reconcile.DecisionCard) error {
	if cards == nil {
		cards = []reconcile.DecisionCard{}
	}
	data, err := json.MarshalIndent(cards, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal decision cards: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write decision cards: %w", err)
	}
	return nil
}
