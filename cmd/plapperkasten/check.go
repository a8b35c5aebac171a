package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plapperkasten/internal/doctor"
	"github.com/mattjoyce/plapperkasten/internal/eventmap"
	"github.com/mattjoyce/plapperkasten/internal/log"
	"github.com/mattjoyce/plapperkasten/internal/plugin"
)

// errCheckFailed is returned when validation reports errors. The report has
// already been printed.
var errCheckFailed = errors.New("configuration check failed")

func newCheckCmd(g *globals) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, event maps and plugin manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			registry, err := plugin.Discover(cfg.PluginRoots(), log.WithComponent("discovery"))
			if err != nil {
				return err
			}
			res := doctor.New(cfg, registry, plugin.Names(), eventmap.Builtin()).Validate()
			if err := writeReport(cmd.OutOrStdout(), res, jsonOut); err != nil {
				return err
			}
			if !res.Valid {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the report as JSON")
	return cmd
}

func writeReport(w io.Writer, res *doctor.Result, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "ERROR   [%s] %s: %s\n", e.Category, e.Field, e.Message)
	}
	for _, wr := range res.Warnings {
		fmt.Fprintf(w, "WARNING [%s] %s: %s\n", wr.Category, wr.Field, wr.Message)
	}
	if res.Valid {
		fmt.Fprintf(w, "OK (%d warnings)\n", len(res.Warnings))
	} else {
		fmt.Fprintf(w, "FAILED (%d errors, %d warnings)\n", len(res.Errors), len(res.Warnings))
	}
	return nil
}
