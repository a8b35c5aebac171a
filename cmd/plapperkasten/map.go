package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plapperkasten/internal/eventmap"
	"github.com/mattjoyce/plapperkasten/internal/keymap"
)

func newMapCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Inspect and edit the key to event map",
	}
	cmd.AddCommand(
		newMapListCmd(g),
		newMapGetCmd(g),
		newMapSetCmd(g),
		newMapRemoveCmd(g),
	)
	return cmd
}

func (g *globals) openMap() (*eventmap.EventMap, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return eventmap.FromConfig(cfg)
}

func newMapListCmd(g *globals) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every mapped key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			em, err := g.openMap()
			if err != nil {
				return err
			}
			return writeMap(cmd.OutOrStdout(), em.Entries(), em.Delimiter(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output the map as JSON")
	return cmd
}

func writeMap(w io.Writer, entries map[string]keymap.Item, delim string, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		it := entries[k]
		fmt.Fprintln(w, keymap.FormatLine(k, it.Values, it.Params, delim))
	}
	return nil
}

func newMapGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Show the event a key translates to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			em, err := g.openMap()
			if err != nil {
				return err
			}
			ev, err := em.GetEvent(args[0])
			if errors.Is(err, eventmap.ErrNotFound) {
				return fmt.Errorf("key %q is not mapped", args[0])
			}
			if err != nil {
				return err
			}
			if ev.IsEmpty() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s maps to nothing\n", args[0])
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), keymap.FormatLine(ev.Name, ev.Values, ev.Params, em.Delimiter()))
			return nil
		},
	}
}

func newMapSetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY EVENT [VALUE|NAME=VALUE]...",
		Short: "Bind a key to an event in the user map",
		Long: `Bind a key to an event in the user map. Arguments containing "=" become
parameters, the rest are positional values.

Example:
  plapperkasten map set 0012345678 volume_set level=40`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			em, err := g.openMap()
			if err != nil {
				return err
			}
			delim := em.Delimiter()
			for _, a := range args {
				if strings.Contains(a, delim) {
					return fmt.Errorf("argument %q contains the delimiter %q", a, delim)
				}
			}
			_, item, err := keymap.ParseLine(strings.Join(args, delim), delim)
			if err != nil {
				return err
			}
			if strings.Contains(args[1], "=") {
				return fmt.Errorf("event name %q must not contain '='", args[1])
			}
			if err := em.UpdateEvent(args[0], item.Values[0], item.Values[1:], item.Params); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mapped %s in %s\n", args[0], em.UserPath())
			return nil
		},
	}
}

func newMapRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "remove KEY",
		Aliases: []string{"rm"},
		Short:   "Remove a key from the user map",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			em, err := g.openMap()
			if err != nil {
				return err
			}
			if err := em.RemoveEvent(args[0]); err != nil {
				return err
			}
			if _, err := em.GetEvent(args[0]); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is still mapped by the built-in map\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
