package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitegraph/crawler/internal/aggregate"
	"github.com/sitegraph/crawler/internal/app"
	"github.com/sitegraph/crawler/internal/config"
	"github.com/sitegraph/crawler/internal/crawl"
)

type crawlFlags struct {
	url             string
	maxDepth        int
	scope           string
	mode            string
	useBrowser      bool
	useCookies      bool
	respectRobots   bool
	includePatterns []string
	excludePatterns []string
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a single crawl job and print the result as JSON",
		Long: `Runs one crawl job in the foreground without the API or scheduler
and writes the aggregated result to stdout. Useful for local testing and
ad-hoc crawls.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.url, "url", "", "start URL (required)")
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", 2, "link depth bound; 0 crawls only the start URL, -1 removes the bound")
	cmd.Flags().StringVar(&flags.scope, "scope", string(crawl.ScopeStrict), "domain scope: strict, parent, subdomains, parent_subdomains, none")
	cmd.Flags().StringVar(&flags.mode, "mode", string(crawl.ModeContent), "output mode: content or sitemap")
	cmd.Flags().BoolVar(&flags.useBrowser, "use-browser", false, "render pages with a headless browser (requires headless.enabled)")
	cmd.Flags().BoolVar(&flags.useCookies, "use-cookies", false, "share a cookie jar across the job's fetches")
	cmd.Flags().BoolVar(&flags.respectRobots, "respect-robots", false, "honor robots.txt")
	cmd.Flags().StringSliceVar(&flags.includePatterns, "include", nil, "regex patterns a URL must match to be crawled")
	cmd.Flags().StringSliceVar(&flags.excludePatterns, "exclude", nil, "regex patterns that exclude a URL from the crawl")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if flags.useBrowser && !cfg.Headless.Enabled {
		cfg.Headless.Enabled = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	startURL, err := crawl.NormalizeURL(flags.url)
	if err != nil {
		return fmt.Errorf("invalid start url: %w", err)
	}
	opts := crawl.JobOptions{
		MaxDepth:        flags.maxDepth,
		DomainScope:     crawl.DomainScope(flags.scope),
		Mode:            crawl.Mode(flags.mode),
		UseBrowser:      flags.useBrowser,
		UseCookies:      flags.useCookies,
		RespectRobots:   flags.respectRobots,
		IncludePatterns: flags.includePatterns,
		ExcludePatterns: flags.excludePatterns,
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	jobID, err := a.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job := crawl.Job{
		ID:        jobID,
		StartURL:  startURL,
		Status:    crawl.JobStatusPending,
		Options:   opts,
		Submitted: a.Clock.Now(),
	}
	if err := a.Store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	claimed, err := a.Store.ClaimNextPending(ctx)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if claimed.ID != jobID {
		return fmt.Errorf("claimed job %s instead of %s; another engine is draining this store", claimed.ID, jobID)
	}

	status, runErr := a.Runner.Run(ctx, claimed)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "crawl finished with status %s: %v\n", status, runErr)
	}

	final, err := a.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load final job: %w", err)
	}
	result := crawl.Result{Job: final}
	if final.Options.Mode == crawl.ModeContent {
		pages, err := a.Store.ListPages(ctx, jobID)
		if err != nil {
			return fmt.Errorf("list pages: %w", err)
		}
		result.Pages = pages
		result.Tree = aggregate.BuildTree(final.StartURL, pages)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
