package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pavelanni/autograder/internal/handler"
	"github.com/pavelanni/autograder/internal/problem"
	"github.com/pavelanni/autograder/internal/response"
	"github.com/pavelanni/autograder/internal/store"
	"github.com/pavelanni/autograder/internal/xqueue"
)

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade answers against one problem file and print the result",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("problem", "", "Problem definition file (required)")
	f.String("answers", "-", "JSON file mapping answer ids to values (- for stdin)")
	f.String("instance", "cli", "Instance id")
	f.String("db", "", "SQLite database path; empty grades without persistence")
	f.String("base-url", "http://localhost:8080", "Public URL external graders post results to")
	addLogFlags(cmd)
	_ = cmd.MarkFlagRequired("problem")
	return cmd
}

func runGrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	def, err := problem.LoadDefinition(v.GetString("problem"))
	if err != nil {
		return err
	}
	data, err := readInput(cmd, v.GetString("answers"))
	if err != nil {
		return fmt.Errorf("read answers: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse answers: %w", err)
	}
	answers, err := response.ConvertSubmissions(raw)
	if err != nil {
		return err
	}

	cfg := problem.RegistryConfig{BaseURL: v.GetString("base-url")}
	if path := v.GetString("db"); path != "" {
		db, err := store.New(path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		cfg.Store, cfg.Submitter, cfg.Recorder = db, db.Outbox(), db
	}
	reg, err := problem.NewRegistry([]*problem.Definition{def}, cfg)
	if err != nil {
		return err
	}
	state, err := reg.Grade(ctx, def.ID, v.GetString("instance"), answers)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), state)
}

func deliverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Apply an external grader result to a stored instance",
		RunE:  runDeliver,
	}
	f := cmd.Flags()
	f.String("db", "autograder.db", "SQLite database path")
	f.StringP("problems", "p", "problems", "Directory of problem definition files")
	f.String("problem", "", "Problem id (required)")
	f.String("instance", "", "Instance id (required)")
	f.Int64("key", 0, "Queue key the result answers (required)")
	f.String("body", "-", "File holding the score message JSON (- for stdin)")
	addLogFlags(cmd)
	_ = cmd.MarkFlagRequired("problem")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func runDeliver(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	defs, err := problem.LoadDir(v.GetString("problems"))
	if err != nil {
		return fmt.Errorf("load problems: %w", err)
	}
	reg, err := problem.NewRegistry(defs, problem.RegistryConfig{Store: db, Recorder: db})
	if err != nil {
		return err
	}
	payload, err := readInput(cmd, v.GetString("body"))
	if err != nil {
		return fmt.Errorf("read score message: %w", err)
	}
	applied, err := reg.Deliver(ctx, v.GetString("problem"), v.GetString("instance"), payload, v.GetInt64("key"))
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("no answer is queued under key %d", v.GetInt64("key"))
	}
	state, err := reg.State(ctx, v.GetString("problem"), v.GetString("instance"))
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), state)
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List requests still waiting for an external grader",
		RunE:  runOutbox,
	}
	cmd.Flags().String("db", "autograder.db", "SQLite database path")
	addLogFlags(cmd)
	return cmd
}

func runOutbox(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pending, err := db.PendingRequests(cmd.Context())
	if err != nil {
		return err
	}
	for _, p := range pending {
		var body xqueue.Body
		_ = json.Unmarshal([]byte(p.Body), &body)
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\t%s\n",
			p.QueueKey, p.QueueName, p.ProblemID, p.InstanceID, body.SubmissionID, p.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export grading results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "autograder.db", "SQLite database path")
	f.StringP("problems", "p", "", "Directory of problem definition files to describe in the export")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var defs []*problem.Definition
	if dir := v.GetString("problems"); dir != "" {
		if defs, err = problem.LoadDir(dir); err != nil {
			return fmt.Errorf("load problems: %w", err)
		}
	}
	export, err := handler.Export(cmd.Context(), db, defs)
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return writeOutput(w, export)
}

func graderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grader",
		Short: "Manage accounts external graders authenticate with",
	}
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a grader account",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraderAdd,
	}
	f := add.Flags()
	f.String("db", "autograder.db", "SQLite database path")
	f.String("password", "", "Account password (or set AUTOGRADER_PASSWORD)")
	addLogFlags(add)
	cmd.AddCommand(add)
	return cmd
}

func runGraderAdd(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	password := v.GetString("password")
	if password == "" {
		return fmt.Errorf("password is required: set --password flag or AUTOGRADER_PASSWORD env var")
	}
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := createGrader(cmd.Context(), db, args[0], password); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created grader %s\n", args[0])
	return nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func writeOutput(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
