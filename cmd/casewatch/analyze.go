package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/core"
	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/ingest"
)

func analyzeCmd() *cobra.Command {
	var (
		lang    string
		caseIDs []string
	)
	cmd := &cobra.Command{
		Use:   "analyze [image...]",
		Short: "Open cases for local images (or re-run existing cases) and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(caseIDs) == 0 {
				return fmt.Errorf("give at least one image path or --case")
			}
			cfg, logger, err := loadConfig(true)
			if err != nil {
				return err
			}
			if lang == "" {
				lang = cfg.LLM.Language
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ing := ingest.NewFSIngestor(a.store, a.scheduler, lang, logger)
			ids := append([]string(nil), caseIDs...)
			for _, p := range args {
				res, err := ing.IngestPath(ctx, p)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				if res.Deduplicated {
					// already known: re-run it
					caseIDs = append(caseIDs, res.CaseID)
				}
				ids = append(ids, res.CaseID)
			}
			for _, id := range caseIDs {
				if _, err := a.store.GetRaw(ctx, id); err != nil {
					return err
				}
				a.scheduler.Run(constants.JobAnalyzeCase, id, core.AnalyzeCasePayload{CaseID: id, Lang: lang})
			}

			out := make([]*entity.Case, 0, len(ids))
			for _, id := range ids {
				if err := a.scheduler.Wait(ctx, constants.JobAnalyzeCase, id); err != nil {
					return err
				}
				c, err := a.store.Get(ctx, id)
				if err != nil {
					return err
				}
				out = append(out, c)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "language for violation details (defaults to ANALYSIS_LANGUAGE)")
	cmd.Flags().StringSliceVar(&caseIDs, "case", nil, "existing case id to re-analyze (repeatable)")
	return cmd
}
