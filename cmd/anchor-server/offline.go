package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrwolf/anchor-server/internal/catalog"
	"github.com/mrwolf/anchor-server/internal/models"
	"github.com/mrwolf/anchor-server/internal/ranker"
	"github.com/mrwolf/anchor-server/internal/risk"
	"github.com/mrwolf/anchor-server/internal/signals"
)

// flags shared by assess and rank
var (
	mood, stress, sleep, craving, support int
	catalogPath                           string
	minutes, limit                        int
	category                              string
)

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Score a single check-in without touching the database",
	Example: `  anchor-server assess --mood 2 --stress 4 --sleep 3 --craving 4 --support 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := snapshotFromFlags()
		if err != nil {
			return err
		}
		a := risk.NewScorer(risk.DefaultConfig()).Assess(snap)
		return printJSON(cmd.OutOrStdout(), a)
	},
}

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank interventions for a single check-in with default preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := snapshotFromFlags()
		if err != nil {
			return err
		}
		cat, err := catalog.Load(catalogPath)
		if err != nil {
			return err
		}
		a := risk.NewScorer(risk.DefaultConfig()).Assess(snap)
		recs := ranker.New().Rank(ranker.Context{
			AvailableMinutes: minutes,
			Limit:            limit,
			Preferences:      models.DefaultPreferences(),
		}, a, cat.ListCandidates(""), nil)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "risk: %s (%d)\n\n", a.Level, a.Score)
		fmt.Fprintln(w, "SOURCE\tCATEGORY\tURGENCY\tCONFIDENCE\tMINUTES\tTITLE")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%d\t%s\n", r.SourceID, r.Category, r.Urgency, r.Confidence, r.TimeToComplete, r.Title)
		}
		return w.Flush()
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the intervention catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(catalogPath)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tCATEGORY\tURGENCY\tMINUTES\tDIFFICULTY")
		for _, c := range cat.ListCandidates(category) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", c.ID, c.Type, c.Category, c.Urgency, c.Duration, c.Difficulty)
		}
		return w.Flush()
	},
}

func init() {
	for _, c := range []*cobra.Command{assessCmd, rankCmd} {
		c.Flags().IntVar(&mood, "mood", 3, "mood 1..5")
		c.Flags().IntVar(&stress, "stress", 3, "stress 1..5")
		c.Flags().IntVar(&sleep, "sleep", 3, "sleep quality 1..5")
		c.Flags().IntVar(&craving, "craving", 3, "craving level 1..5")
		c.Flags().IntVar(&support, "support", 3, "social support 1..5")
	}
	rankCmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog YAML file (embedded default when empty)")
	rankCmd.Flags().IntVar(&minutes, "minutes", 15, "available minutes")
	rankCmd.Flags().IntVar(&limit, "limit", ranker.DefaultLimit, "maximum recommendations")
	catalogCmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog YAML file (embedded default when empty)")
	catalogCmd.Flags().StringVar(&category, "category", "", "only list this category")
}

func snapshotFromFlags() (models.SignalSnapshot, error) {
	snap := models.SignalSnapshot{
		Mood:          mood,
		Stress:        stress,
		SleepQuality:  sleep,
		CravingLevel:  craving,
		SocialSupport: support,
		Timestamp:     time.Now(),
	}
	if err := signals.ValidateSnapshot(snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
