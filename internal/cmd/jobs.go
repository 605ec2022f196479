package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/asterope/uws/pkg/filestore"
	"github.com/asterope/uws/pkg/jobstore"
	"github.com/asterope/uws/pkg/phase"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain persisted job records",
	Long: `Inspect job records on disk without a running server.

These commands read the record store directly, so run them against the
same configuration the server uses. Job id filters use doublestar
patterns, e.g. 'survey-*' or '202?-*'.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one persisted job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old finished job records and their artifacts",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("match", "", "Only list job ids matching this pattern")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("match", "", "Only collect job ids matching this pattern")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Report what would be deleted without deleting")
}

func recordStore() (*jobstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return jobstore.NewStore(cfg.Storage.JobsDir), nil
}

// idFilter compiles the --match flag into a predicate. An empty pattern
// matches everything.
func idFilter(pattern string) (func(string) bool, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return func(string) bool { return true }, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid job id pattern %q", pattern)
	}
	return func(id string) bool {
		ok, err := doublestar.Match(pattern, id)
		return err == nil && ok
	}, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	pattern, _ := cmd.Flags().GetString("match")

	match, err := idFilter(pattern)
	if err != nil {
		return err
	}
	store, err := recordStore()
	if err != nil {
		return err
	}

	all, err := store.List()
	if err != nil {
		return err
	}
	records := make([]jobstore.Record, 0, len(all))
	for _, rec := range all {
		if match(rec.JobID) {
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tOWNER\tPHASE\tCREATED\tSTARTED\tENDED\tRESULTS")
	for _, rec := range records {
		owner := rec.Owner
		if owner == "" {
			owner = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			rec.JobID,
			owner,
			rec.Phase,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(rec.StartedAt),
			formatOptionalTime(rec.EndedAt),
			len(rec.Results),
		)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	store, err := recordStore()
	if err != nil {
		return err
	}
	rec, err := store.Get(jobID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	if rec.Owner != "" {
		_, _ = fmt.Fprintf(os.Stdout, "owner=%s\n", rec.Owner)
	}
	_, _ = fmt.Fprintf(os.Stdout, "phase=%s\n", rec.Phase)
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	for _, res := range rec.Results {
		_, _ = fmt.Fprintf(os.Stdout, "result=%s (%s, %d bytes)\n", res.ID, res.MimeType, res.Size)
	}
	if rec.Error != nil {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", rec.Error.Message)
	}
	return nil
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	pattern, _ := cmd.Flags().GetString("match")

	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	match, err := idFilter(pattern)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := jobstore.NewStore(cfg.Storage.JobsDir)

	backend, err := buildFileStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()
	files := filestore.NewResultFiles(backend)

	records, err := store.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deleted := 0
	for _, rec := range records {
		if !match(rec.JobID) {
			continue
		}
		// Only finished jobs are collected; a record without an end
		// time is still live (or pending) and stays.
		if !phase.Phase(rec.Phase).IsFinished() {
			continue
		}
		if rec.EndedAt == nil || now.Sub(rec.EndedAt.UTC()) <= maxAge {
			continue
		}

		if !dryRun {
			if err := files.DeleteJob(cmd.Context(), rec.JobID); err != nil {
				return fmt.Errorf("delete artifacts for %s: %w", rec.JobID, err)
			}
			if err := store.Delete(rec.JobID); err != nil {
				return fmt.Errorf("delete record for %s: %w", rec.JobID, err)
			}
		}
		deleted++
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", deleted)
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
