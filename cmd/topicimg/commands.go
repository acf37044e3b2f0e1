package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/config"
	"github.com/kalambet/topicimg/internal/maintenance"
	"github.com/kalambet/topicimg/internal/resolver"
	"github.com/kalambet/topicimg/internal/tracker"
)

// --- resolve ---

var resolveCmd = &cobra.Command{
	Use:   "resolve <topic>",
	Short: "Resolve a topic to verified image URLs",
	Long: `Resolve a topic to verified image URLs via the running server.

Examples:
  topicimg resolve "solar energy"
  topicimg resolve "machine learning" --context "<h1>Neural networks</h1>"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slideContext, _ := cmd.Flags().GetString("context")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := resolveRemote(cmd.Context(), client, strings.Join(args, " "), slideContext)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, res)
		}

		printStatus("Topic", "%s (%s)", res.Topic, res.TopicKey)
		printStatus("Source", "%s", describeSource(res))
		for _, img := range res.Images {
			fmt.Println(img.URL)
		}
		return nil
	},
}

func resolveRemote(ctx context.Context, client *apiClient, topic, slideContext string) (resolver.Result, error) {
	resp, err := client.post(ctx, "/v1/resolve", map[string]string{
		"topic":   topic,
		"context": slideContext,
	})
	if err != nil {
		return resolver.Result{}, err
	}
	var res resolver.Result
	if err := decodeJSON(resp, &res); err != nil {
		return resolver.Result{}, err
	}
	return res, nil
}

func describeSource(res resolver.Result) string {
	switch res.Source {
	case resolver.SourceSimilar:
		return fmt.Sprintf("%s (reused %q)", res.Source, res.Similar)
	case resolver.SourceGenerated:
		return fmt.Sprintf("%s (strategy %s)", res.Source, res.Strategy)
	case resolver.SourceFallback:
		if res.Category != "" {
			return fmt.Sprintf("%s (%s)", res.Source, res.Category)
		}
	}
	return res.Source
}

func init() {
	resolveCmd.Flags().String("context", "", "slide text or HTML used to disambiguate the topic")
	resolveCmd.Flags().Bool("json", false, "print the raw result as JSON")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if days > 0 {
			resp, err := client.get(cmd.Context(), "/v1/maintenance/performance?days="+strconv.Itoa(days))
			if err != nil {
				return err
			}
			var p maintenance.Performance
			if err := decodeJSON(resp, &p); err != nil {
				return err
			}
			if asJSON {
				return printJSON(os.Stdout, p)
			}
			printPerformance(p)
			return nil
		}

		resp, err := client.get(cmd.Context(), "/v1/stats")
		if err != nil {
			return err
		}
		var st cache.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, st)
		}
		printStatus("Topics", "%s", count(st.TotalTopics))
		printStatus("Images", "%s (%s valid)", count(st.TotalImages), count(st.ValidImages))
		printStatus("Usage", "avg %.2f, max %s", st.AvgUsage, count(st.MaxUsage))
		printStatus("Weekly lookups", "%s (%s hits, %s)", count(st.WeeklyLookups), count(st.WeeklyHits), percent(st.WeeklyHitRate))
		printStatus("Weekly generations", "%s", count(st.WeeklyGenerationCalls))
		return nil
	},
}

func printPerformance(p maintenance.Performance) {
	printStatus("Period", "%d days", p.PeriodDays)
	printStatus("Lookups", "%s (%s hits, %s)", count(p.TotalLookups), count(p.CacheHits), percent(p.HitRate))
	printStatus("Generation calls", "%s (%s of lookups)", count(p.GenerationCalls), percent(p.GenerationCallRate))
	printStatus("Images", "%s (%s valid)", count(p.TotalImages), percent(p.ImageSuccessRate))
	if len(p.TopTopics) > 0 {
		fmt.Fprintln(os.Stderr, colorize(colorBold, "  Top topics:"))
		for _, t := range p.TopTopics {
			fmt.Fprintf(os.Stderr, "    %-40s %s uses, %d images\n", t.Topic, count(t.TotalUsage), t.Images)
		}
	}
	for _, s := range p.Sources {
		printStatus("Source "+s.Source, "%s images, %s valid", count(s.Total), percent(s.SuccessRate))
	}
}

func init() {
	statsCmd.Flags().Int("days", 0, "show performance over the last N days instead of the snapshot")
	statsCmd.Flags().Bool("json", false, "print as JSON")
}

// --- maintenance ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired cache entries, old trials and old metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/maintenance/cleanup"
		if days > 0 {
			path += "?days=" + strconv.Itoa(days)
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}
		var sum maintenance.CleanupSummary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		printStepErrors(sum.Errors)
		printSuccess("Removed %s cache entries, %s trials, %s metric days in %s",
			count(sum.CacheRemoved), count(sum.TrialsRemoved), count(sum.MetricsRemoved), took(sum.Duration))
		return nil
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Prune low-value entries and orphan topics, then vacuum",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/maintenance/optimize", nil)
		if err != nil {
			return err
		}
		var sum maintenance.OptimizeSummary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		printStepErrors(sum.Errors)
		for _, p := range sum.Vacuumed {
			printStep("vacuumed %s", p)
		}
		printSuccess("Pruned %s low-value entries and %s orphan topics in %s",
			count(sum.LowValueRemoved), count(sum.OrphansRemoved), took(sum.Duration))
		return nil
	},
}

func printStepErrors(errs []maintenance.StepError) {
	for _, e := range errs {
		printWarning("%s: %s", e.Step, e.Err)
	}
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the maintenance health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/maintenance/report")
		if err != nil {
			return err
		}
		var rep maintenance.Report
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, rep)
		}

		printStatus("Health", "%.1f (%s)", rep.HealthScore, healthColor(rep.Status))
		printPerformance(rep.Performance)
		printStatus("Trials", "%s across %d strategies, %s success",
			count(rep.Strategies.TotalTrials), rep.Strategies.StrategiesTested, percent(rep.Strategies.OverallSuccess))
		for _, r := range rep.Recommendations {
			printStep("%s", r)
		}
		return nil
	},
}

func healthColor(status string) string {
	switch status {
	case maintenance.HealthExcellent:
		return colorize(colorGreen, status)
	case maintenance.HealthGood:
		return colorize(colorCyan, status)
	default:
		return colorize(colorYellow, status)
	}
}

func init() {
	cleanupCmd.Flags().Int("days", 0, "age in days past which cache entries expire (server default when 0)")
	reportCmd.Flags().Bool("json", false, "print as JSON")
}

// --- strategies ---

var abtestCmd = &cobra.Command{
	Use:   "abtest",
	Short: "Run an A/B test between generation strategies",
	Long: `Run an A/B test between generation strategies on the running server.

Examples:
  topicimg abtest --name prompt-v2 --strategies default,precise --sample 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		list, _ := cmd.Flags().GetString("strategies")
		sample, _ := cmd.Flags().GetInt("sample")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("running experiment %s", name)
		resp, err := client.post(cmd.Context(), "/v1/experiments", map[string]any{
			"name":        name,
			"strategies":  splitList(list),
			"sample_size": sample,
		})
		if err != nil {
			return err
		}
		var res tracker.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		for _, s := range splitList(list) {
			sum, ok := res.Summaries[s]
			if !ok {
				continue
			}
			printStatus(s, "%d trials, mean %.3f ± %.3f, %.0fms, %s errors",
				sum.Trials, sum.MeanSuccess, sum.StdSuccess, sum.MeanLatencyMs, percent(sum.ErrorRate))
		}
		if res.Winner != "" {
			printSuccess("Experiment %s %s, winner %s", res.Experiment, res.Status, res.Winner)
		} else {
			printWarning("Experiment %s %s without a winner", res.Experiment, res.Status)
		}
		return nil
	},
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type experimentRow struct {
	Name       string    `json:"name"`
	Strategies []string  `json:"strategies"`
	Status     string    `json:"status"`
	Winner     string    `json:"winner"`
	StartedAt  time.Time `json:"started_at"`
}

var experimentsCmd = &cobra.Command{
	Use:   "experiments [name]",
	Short: "List experiments, or show one with its summaries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			resp, err := client.get(cmd.Context(), "/v1/experiments/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			var v map[string]any
			if err := decodeJSON(resp, &v); err != nil {
				return err
			}
			return printJSON(os.Stdout, v)
		}

		resp, err := client.get(cmd.Context(), "/v1/experiments")
		if err != nil {
			return err
		}
		var list struct {
			Experiments []experimentRow `json:"experiments"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list.Experiments) == 0 {
			printStep("no experiments yet")
			return nil
		}
		for _, e := range list.Experiments {
			winner := e.Winner
			if winner == "" {
				winner = "-"
			}
			fmt.Printf("%-24s %-10s %-16s %-16s %s\n", e.Name, e.Status, winner, ago(e.StartedAt), strings.Join(e.Strategies, ","))
		}
		return nil
	},
}

var bestStrategyCmd = &cobra.Command{
	Use:   "best-strategy",
	Short: "Show the best strategy over the last 30 days",
	RunE: func(cmd *cobra.Command, args []string) error {
		minTrials, _ := cmd.Flags().GetInt("min-trials")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/strategies/best"
		if minTrials > 0 {
			path += "?min_trials=" + strconv.Itoa(minTrials)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var out struct {
			Strategy  string `json:"strategy"`
			Found     bool   `json:"found"`
			MinTrials int    `json:"min_trials"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if !out.Found {
			printWarning("no strategy has %d trials yet", out.MinTrials)
			return nil
		}
		fmt.Println(out.Strategy)
		return nil
	},
}

func init() {
	abtestCmd.Flags().String("name", "", "experiment name (required, unique)")
	abtestCmd.Flags().String("strategies", "", "comma-separated strategy names (at least two)")
	abtestCmd.Flags().Int("sample", 5, "topics sampled per strategy")
	abtestCmd.MarkFlagRequired("name")
	abtestCmd.MarkFlagRequired("strategies")
	bestStrategyCmd.Flags().Int("min-trials", 0, "trials a strategy needs to qualify (server default when 0)")
}

// --- local commands ---

// withApp runs fn against the data directory directly. SQLite in WAL mode
// tolerates a server running alongside.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the cache to a JSON or CSV file",
	Long: `Export every cache entry, with its topic, to a file.

Examples:
  topicimg export --out cache.json
  topicimg export --format csv --out cache.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = "topicimg-export." + strings.ToLower(format)
		}

		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			sum, err := a.maintainer.Export(ctx, out, format)
			if err != nil {
				return err
			}
			printSuccess("Exported %s entries to %s (%s, %s)", count(sum.Entries), sum.Path, size(sum.Bytes), took(sum.Duration))
			return nil
		})
	},
}

var revalidateCmd = &cobra.Command{
	Use:   "revalidate",
	Short: "Re-check the URLs validated longest ago",
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetInt("batch")

		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			printStep("checking up to %d entries", batch)
			checked, invalid, err := a.maintainer.RevalidateStale(ctx, a.validator, batch)
			if err != nil {
				return err
			}
			printSuccess("Checked %s entries, %s no longer valid", count(checked), count(invalid))
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().String("format", maintenance.FormatJSON, "json or csv")
	exportCmd.Flags().String("out", "", "output path (default topicimg-export.<format>)")
	revalidateCmd.Flags().Int("batch", 100, "entries to re-check")
}

// --- config ---

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			origin := ""
			if k.FromEnv {
				origin = colorize(colorCyan, "  (from $"+k.EnvVar+")")
			}
			fmt.Printf("  %s = %s%s\n", colorize(colorBold, k.Key), k.Value, origin)
		}
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
