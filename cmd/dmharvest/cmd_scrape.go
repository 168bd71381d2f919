package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"dmharvest/internal/logging"
	"dmharvest/internal/scrape"
)

var (
	scrapeAll      bool
	scrapeParallel int
)

// scrapeCmd captures and stores group conversations
var scrapeCmd = &cobra.Command{
	Use:   "scrape [username...]",
	Short: "Capture and store the group conversations of signed-in accounts",
	Long: `Restores each account's stored cookies in an isolated browser context, opens
the messages page, captures the inbox payloads and stores the group chats,
participant profiles and raw payloads.

Examples:
  dmharvest scrape alice bob
  dmharvest scrape --all --parallel 3`,
	RunE: runScrape,
}

func init() {
	scrapeCmd.Flags().BoolVar(&scrapeAll, "all", false, "Scrape every active account")
	scrapeCmd.Flags().IntVar(&scrapeParallel, "parallel", 0, "Accounts scraped at once (default from config)")
}

func runScrape(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	usernames := args
	if scrapeAll {
		accs, err := db.ActiveAccounts(ctx)
		if err != nil {
			return err
		}
		usernames = nil
		for _, a := range accs {
			usernames = append(usernames, a.Username)
		}
	}
	if len(usernames) == 0 {
		return errors.New("no accounts to scrape: pass usernames or --all")
	}

	parallel := scrapeParallel
	if parallel <= 0 {
		parallel = cfg.Scrape.Parallel
	}

	mgr, shutdown := startBrowser(cfg)
	defer shutdown()

	runner := scrape.New(mgr, db, scrapeConfig(cfg), logging.Get(logging.CategoryScrape))
	summaries, err := runner.RunAll(ctx, usernames, parallel)
	printSummaries(cmd.OutOrStdout(), summaries)
	if err != nil {
		return err
	}

	failed := 0
	for _, s := range summaries {
		if s.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed", failed, len(summaries))
	}
	return nil
}

func printSummaries(w io.Writer, summaries []scrape.Summary) {
	for _, s := range summaries {
		if s.Err != nil {
			fmt.Fprintf(w, "%-20s FAILED  %v\n", s.Username, s.Err)
			continue
		}
		fmt.Fprintf(w, "%-20s ok      exchanges=%d groups=+%d/~%d profiles=+%d/~%d raw=%d failed=%d (%s)\n",
			s.Username, s.Exchanges,
			s.Groups.Inserted, s.Groups.Updated,
			s.Profiles.Inserted, s.Profiles.Updated,
			s.Raw.Inserted,
			s.Groups.Failed+s.Profiles.Failed+s.Raw.Failed,
			s.Duration.Round(time.Millisecond),
		)
	}
}
