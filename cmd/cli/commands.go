package main

import (
	"fmt"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"sejm-vote-scraper/internal/collector"
	"sejm-vote-scraper/internal/config"
	"sejm-vote-scraper/internal/ioformats"
	"sejm-vote-scraper/internal/pipeline"
	"sejm-vote-scraper/internal/store"
	"sejm-vote-scraper/internal/transform"
)

var (
	startFlag int
	stopFlag  int
	dbFlag    string
	ndjson    bool
)

func init() {
	collectCmd.Flags().IntVar(&startFlag, "start", config.Unset, "first vote index (default: resume from the checkpoint)")
	collectCmd.Flags().IntVar(&stopFlag, "stop", config.Unset, "index after the last vote (default: end of the list)")
	enumerateCmd.Flags().BoolVar(&ndjson, "ndjson", false, "also print the votes to stdout as NDJSON")
	exportCmd.Flags().StringVar(&dbFlag, "db", "", "SQLite file (default <data_dir>/results.db)")

	rootCmd.AddCommand(enumerateCmd, collectCmd, combineCmd, transformCmd, runCmd, scheduleCmd, statusCmd, exportCmd)
}

var enumerateCmd = &cobra.Command{
	Use:   "enumerate",
	Short: "Lists the sittings and votes of the configured year and caches them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		votes, err := pipe.Enumerate(cmd.Context())
		if err != nil {
			return err
		}
		if ndjson {
			return ioformats.WriteNDJSON(os.Stdout, votes)
		}
		fmt.Printf("%d votes written to %s\n", len(votes), cfg.VotesPath())
		return nil
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collects one batch of votes into a new shard, resuming from the checkpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		rng := cfg.Range()
		if cmd.Flags().Changed("start") {
			rng.Start = collector.Index(startFlag)
		}
		if cmd.Flags().Changed("stop") {
			rng.Stop = collector.Index(stopFlag)
		}
		res, err := pipe.Collect(cmd.Context(), rng)
		if err != nil {
			return err
		}
		printBatch(res)
		return nil
	},
}

var combineCmd = &cobra.Command{
	Use:   "combine",
	Short: "Concatenates every shard into the final results file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := pipe.Combine()
		if err != nil {
			return err
		}
		fmt.Printf("%d members x %d votes written to %s\n", t.Len(), t.Width(), cfg.FinalPath())
		return nil
	},
}

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Turns the final results into numbers and fills the gaps.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, rep, err := pipe.Transform()
		if err != nil {
			return err
		}
		printReport(rep)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enumerates if needed, collects a batch, then combines and transforms.",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := pipe.Run(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Repeats run on the configured interval until every vote is collected.",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Infof("running every %s", cfg.Schedule.Every)
		st, err := pipe.Schedule(cmd.Context(), cfg.Schedule.Every)
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints the checkpoint and the shards collected so far.",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := pipe.Status()
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Writes votes and transformed results to SQLite and prints party lines.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := dbFlag
		if path == "" {
			path = cfg.DBPath()
		}
		if err := pipe.Export(cmd.Context(), path); err != nil {
			return err
		}
		s, err := store.Open(path)
		if err != nil {
			return err
		}
		defer s.Close()
		lines, err := s.PartyLines(cmd.Context())
		if err != nil {
			return err
		}
		t := newTable()
		t.AppendHeader(table.Row{"Vote", "Party", "Members", "Mean"})
		for _, pl := range lines {
			t.AppendRow(table.Row{pl.Column, pl.Party, pl.Size, formatMean(pl.Mean)})
		}
		t.Render()
		return nil
	},
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

func formatMean(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.2f", v)
}

func printBatch(res *collector.Result) {
	t := newTable()
	t.AppendHeader(table.Row{"Range", "Collected", "Failed", "Halted", "Checkpoint"})
	collected := 0
	if res.Table != nil {
		collected = res.Table.Width()
	}
	rng := fmt.Sprintf("[%d, %d)", res.Start, res.Stop)
	if res.AlreadyDone {
		rng = "-"
	}
	t.AppendRow(table.Row{rng, collected, len(res.Failed), res.Halted, res.Checkpoint.String()})
	t.Render()
}

func printStatus(st *pipeline.Status) {
	t := newTable()
	t.AppendHeader(table.Row{"Checkpoint", "Done", "Votes", "Shards", "Failed"})
	t.AppendRow(table.Row{st.Checkpoint, st.Done, st.Votes, len(st.Shards), len(st.Failed)})
	t.Render()
	if len(st.Failed) > 0 {
		f := newTable()
		f.AppendHeader(table.Row{"Index", "Vote", "URL"})
		for _, v := range st.Failed {
			f.AppendRow(table.Row{v.Index, v.Column, v.URL})
		}
		f.Render()
	}
	if len(st.Shards) == 0 {
		return
	}
	s := newTable()
	s.AppendHeader(table.Row{"#", "Shard"})
	for i, p := range st.Shards {
		s.AppendRow(table.Row{i + 1, p})
	}
	s.Render()
}

func printReport(rep *transform.Report) {
	if rep == nil {
		fmt.Println("nothing to transform")
		return
	}
	t := newTable()
	t.AppendHeader(table.Row{"Reference", "Dropped", "Block absences", "Block filled", "Mean filled", "Neutral filled"})
	t.AppendRow(table.Row{rep.Reference, len(rep.Dropped), len(rep.BulkAbsences), rep.BulkFilled, rep.MeanFilled, rep.FallbackFilled})
	t.Render()

	parties := newTable()
	parties.AppendHeader(table.Row{"Party", "Members"})
	for _, name := range slices.Sorted(maps.Keys(rep.PartySizes)) {
		parties.AppendRow(table.Row{name, rep.PartySizes[name]})
	}
	parties.Render()
}
