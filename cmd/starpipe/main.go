package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"starpipe/internal/config"
	"starpipe/internal/feedback"
	"starpipe/internal/pipeline"
	"starpipe/internal/record"
	"starpipe/internal/session"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	sessionDir  string
	recordsFile string
	timeout     time.Duration

	// Flag-based single-record submission
	submitFlags record.FeatureRecord

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "starpipe",
	Short: "starpipe - Decision card synthesis pipeline",
	Long: `starpipe turns a session's feature-evaluation records and the prior
cycle's reflexive feedback into prioritized decision cards.

One run collects the session's records, builds an instruction payload,
submits it to the reasoning engine, reconciles the returned cards against
the original records, pushes priorities and rationales to the issue
tracker, and archives the consumed feedback.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd executes one full synthesis cycle
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one synthesis cycle for a session",
	Long: `Runs the full pipeline for the given session folder:
  0. Optionally import a records file first (--records)
  1. Load the session's feature records
  2. Read pending reflexive feedback
  3. Submit the instruction payload to the reasoning engine
  4. Reconcile returned decision cards against the records
  5. Propagate priorities and rationales to the issue tracker
  6. Archive the consumed feedback

On success the absolute path of the decision-card artifact is the last
line printed to stdout.`,
	RunE: runCycle,
}

// sessionCmd groups session folder management
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage evaluation session folders",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new session folder",
	RunE:  sessionNew,
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive [session-dir]",
	Short: "Move a finished session into the archived/ folder",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionArchive,
}

// submitCmd appends feature records to a session store
var submitCmd = &cobra.Command{
	Use:   "submit [records-file]",
	Short: "Submit feature records from a file or flags",
	Long: `Appends feature records to the session's record store. With a file
argument the format is chosen by extension: .json expects an array of
records, .csv a worksheet export whose headers are normalized to record
fields. Without a file, a single record is built from the --key, --summary
and related flags.

A key already submitted in this session is rejected; earlier records are
never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: submitRecords,
}

// recordsCmd groups record store inspection
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect a session's feature records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the session's records in submission order",
	RunE:  recordsList,
}

var recordsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the session's records to records.json",
	RunE:  recordsExport,
}

// feedbackCmd groups reflexive feedback operations
var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Inspect and advance reflexive feedback",
}

var feedbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending feedback rows",
	RunE:  feedbackList,
}

var feedbackArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move pending feedback rows to the archive sheet",
	RunE:  feedbackArchive,
}

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage starpipe configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file %s already exists", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "starpipe.yaml", "Configuration file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	for _, cmd := range []*cobra.Command{runCmd, submitCmd, recordsListCmd, recordsExportCmd} {
		cmd.Flags().StringVarP(&sessionDir, "session", "s", "", "Session folder (required)")
		cmd.MarkFlagRequired("session")
	}

	runCmd.Flags().StringVar(&recordsFile, "records", "", "Records file (.json or .csv) to import before running")

	submitCmd.Flags().StringVar(&submitFlags.Key, "key", "", "Tracker issue key")
	submitCmd.Flags().StringVar(&submitFlags.Summary, "summary", "", "One-line summary")
	submitCmd.Flags().StringVar(&submitFlags.Description, "description", "", "Full description")
	submitCmd.Flags().StringVar(&submitFlags.ValueAgreement, "value-agreement", "", "Facilitated value agreement")
	submitCmd.Flags().StringVar(&submitFlags.Dissent, "dissent", "", "Recorded dissent")
	submitCmd.Flags().StringVar(&submitFlags.Dependencies, "dependencies", "", "Known dependencies")
	submitCmd.Flags().StringVar(&submitFlags.Biases, "biases", "", "Observed biases")
	submitCmd.Flags().StringVar(&submitFlags.Reporter, "reporter", "", "Reporter")

	var root, facilitator string
	sessionNewCmd.Flags().StringVar(&root, "root", "sessions", "Parent folder for new sessions")
	sessionNewCmd.Flags().StringVar(&facilitator, "facilitator", "", "Facilitator email address")

	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionArchiveCmd)
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsExportCmd)
	feedbackCmd.AddCommand(feedbackListCmd)
	feedbackCmd.AddCommand(feedbackArchiveCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// runCycle executes one full synthesis cycle
func runCycle(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sess, err := session.Open(sessionDir)
	if err != nil {
		return err
	}
	if recordsFile != "" {
		recs, err := loadRecordsFile(recordsFile)
		if err != nil {
			return err
		}
		count, err := appendRecords(sess, recs)
		if err != nil {
			return err
		}
		logger.Info("Imported records", zap.String("file", recordsFile), zap.Int("total", count))
	}
	logger.Info("Starting synthesis cycle", zap.String("session", sess.ID))

	runner := pipeline.New(cfg, sess, logger)
	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("Cycle complete",
		zap.Int("features", result.FeatureCount),
		zap.Int("cards", len(result.Cards)),
		zap.Strings("unmatched", result.Unmatched),
		zap.Int("orphans", len(result.Orphans)),
		zap.Int("tracker_updates", result.Propagation.UpdatedCount()),
		zap.Strings("tracker_failures", result.Propagation.FailedKeys()),
		zap.Bool("feedback_archived", result.FeedbackArchived))

	for _, key := range result.Unmatched {
		fmt.Printf("Warning: no decision card returned for %s\n", key)
	}
	// The artifact path is the final line of output.
	fmt.Println(result.CardsPath)
	return nil
}

func sessionNew(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	facilitator, _ := cmd.Flags().GetString("facilitator")

	sess, err := session.New(root, facilitator)
	if err != nil {
		return err
	}
	logger.Info("Created session", zap.String("id", sess.ID))
	fmt.Println(sess.Dir)
	return nil
}

func sessionArchive(cmd *cobra.Command, args []string) error {
	sess, err := session.Open(args[0])
	if err != nil {
		return err
	}
	dest, err := sess.Archive()
	if err != nil {
		return err
	}
	fmt.Println(dest)
	return nil
}

// loadRecordsFile parses a JSON or CSV records file by extension
func loadRecordsFile(path string) ([]record.FeatureRecord, error) {
	var recs []record.FeatureRecord
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		recs, err = record.ImportCSV(path)
	case ".json":
		var data []byte
		data, err = os.ReadFile(path)
		if err == nil {
			recs, err = record.LoadJSON(data)
		}
	default:
		return nil, fmt.Errorf("unsupported records file %s: expected .json or .csv", path)
	}
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("no records found in %s", path)
	}
	return recs, nil
}

func appendRecords(sess *session.Context, recs []record.FeatureRecord) (int, error) {
	store, err := record.OpenStore(sess.RecordsDBPath(), sess.ID, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	for _, rec := range recs {
		if err := store.Append(rec); err != nil {
			return 0, fmt.Errorf("record %s: %w", rec.Key, err)
		}
	}
	return store.Count()
}

// submitRecords appends records from a file or from the record flags
func submitRecords(cmd *cobra.Command, args []string) error {
	var recs []record.FeatureRecord
	if len(args) == 1 {
		loaded, err := loadRecordsFile(args[0])
		if err != nil {
			return err
		}
		recs = loaded
	} else {
		if err := submitFlags.Validate(); err != nil {
			return fmt.Errorf("either a records file or --key is required: %w", err)
		}
		recs = []record.FeatureRecord{submitFlags}
	}

	sess, err := session.Open(sessionDir)
	if err != nil {
		return err
	}
	count, err := appendRecords(sess, recs)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted %d record(s); session now holds %d\n", len(recs), count)
	return nil
}

func recordsList(cmd *cobra.Command, args []string) error {
	sess, err := session.Open(sessionDir)
	if err != nil {
		return err
	}
	store, err := record.OpenStore(sess.RecordsDBPath(), sess.ID, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.All()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No records submitted yet")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%-12s %s\n", rec.Key, rec.Summary)
	}
	return nil
}

func recordsExport(cmd *cobra.Command, args []string) error {
	sess, err := session.Open(sessionDir)
	if err != nil {
		return err
	}
	store, err := record.OpenStore(sess.RecordsDBPath(), sess.ID, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ExportJSON(sess.RecordsPath()); err != nil {
		return err
	}
	fmt.Println(sess.RecordsPath())
	return nil
}

func feedbackList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	source := feedback.NewDirSource(cfg.Feedback.Dir, logger)
	recs, err := source.Rows(cmd.Context(), cfg.Feedback.ActiveSheet)
	if err != nil {
		return err
	}
	if len(recs.Rows) == 0 {
		fmt.Println("No pending feedback")
		return nil
	}
	for _, row := range recs.Rows {
		pairs := make([]string, 0, len(recs.Columns))
		for _, col := range recs.Columns {
			pairs = append(pairs, fmt.Sprintf("%s=%s", col, row[col]))
		}
		fmt.Println(strings.Join(pairs, "  "))
	}
	return nil
}

func feedbackArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	source := feedback.NewDirSource(cfg.Feedback.Dir, logger)
	if err := source.MoveRows(cmd.Context(), cfg.Feedback.ActiveSheet, cfg.Feedback.ArchiveSheet); err != nil {
		return err
	}
	fmt.Printf("Archived pending rows from %s to %s\n", cfg.Feedback.ActiveSheet, cfg.Feedback.ArchiveSheet)
	return nil
}
