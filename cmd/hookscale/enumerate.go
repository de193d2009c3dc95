package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bobarin/hookscale/internal/combinator"
	"github.com/bobarin/hookscale/internal/models"
	"github.com/spf13/cobra"
)

var (
	enumerateJSON  bool
	enumerateLimit int
)

var enumerateCmd = &cobra.Command{
	Use:   "enumerate <structure.json>",
	Short: "Print the combinations a job definition would produce",
	Long: `Reads a job definition in the same shape as POST /v1/jobs and prints
every combination in render order. Nothing is persisted.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnumerate,
}

func init() {
	enumerateCmd.Flags().BoolVar(&enumerateJSON, "json", false, "print the full plan as JSON")
	enumerateCmd.Flags().IntVar(&enumerateLimit, "max-combinations", combinator.DefaultMaxCombinations, "combination ceiling")
}

func runEnumerate(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var req models.CreateJobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("invalid job definition: %w", err)
	}

	def, err := combinator.Define(req, combinator.Limits{MaxCombinations: enumerateLimit})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if enumerateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(def)
	}

	byID := make(map[string]string, len(def.Videos))
	for _, v := range def.Videos {
		byID[v.ID.String()] = v.Filename
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tOUTPUT\tCLIPS")
	for _, c := range def.Combinations {
		fmt.Fprintf(tw, "%d\t%s\t", c.Ordinal, c.OutputFilename)
		for i, id := range c.VideoIDs {
			if i > 0 {
				fmt.Fprint(tw, " + ")
			}
			fmt.Fprint(tw, byID[id.String()])
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d combinations at %s\n", def.Job.TotalCombinations, def.Job.AspectRatio.Resolution())
	return nil
}
