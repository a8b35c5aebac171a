package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plapperkasten/internal/config"
	"github.com/mattjoyce/plapperkasten/internal/log"

	// Built-in plugins register themselves.
	_ "github.com/mattjoyce/plapperkasten/internal/plugins/autoshutdown"
	_ "github.com/mattjoyce/plapperkasten/internal/plugins/volume"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// globals are the persistent flags shared by every command.
type globals struct {
	options string
	userDir string
	verbose int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "plapperkasten",
		Short:         "Event supervisor for a single-board audio appliance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.options, "options", "o", "", "config overrides, a.b.c=v@@x.y.z=w")
	root.PersistentFlags().StringVarP(&g.userDir, "user-dir", "d", "", "user directory (default: discovered)")
	root.PersistentFlags().CountVarP(&g.verbose, "verbose", "v", "increase verbosity (-v warn, -vv info, -vvv debug)")

	root.AddCommand(
		newRunCmd(g),
		newMapCmd(g),
		newCheckCmd(g),
		newMonitorCmd(g),
		newVersionCmd(),
	)
	return root
}

// verbosityLevel maps the -v count to a log level. 0 leaves the configured
// level in place.
func verbosityLevel(count int) string {
	switch {
	case count <= 0:
		return ""
	case count == 1:
		return "warn"
	case count == 2:
		return "info"
	default:
		return "debug"
	}
}

// loadConfig builds the layered configuration and applies the -o options and
// verbosity. The global logger is reconfigured from the result.
func (g *globals) loadConfig() (*config.Config, error) {
	log.Setup(orDefault(verbosityLevel(g.verbose), "error"), "json")

	userDir := g.userDir
	if userDir == "" {
		userDir = config.DiscoverUserDir()
	}
	cfg, err := config.Load(userDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.options != "" {
		if err := cfg.ApplyOptions(g.options); err != nil {
			return nil, err
		}
	}
	if g.verbose >= 3 {
		if err := cfg.Set("core.system.debug", true, config.LayerInput); err != nil {
			return nil, err
		}
	}

	level := cfg.GetStr("core.logging.level", "info")
	if v := verbosityLevel(g.verbose); v != "" {
		level = v
	}
	if cfg.GetBool("core.system.debug", false) {
		level = "debug"
	}
	log.Reconfigure(level, cfg.GetStr("core.logging.format", "json"))
	return cfg, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeVersion(cmd.OutOrStdout(), currentVersionInfo(), jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output version metadata as JSON")
	return cmd
}

func writeVersion(w io.Writer, info versionInfo, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "plapperkasten %s\n", info.Version)
	fmt.Fprintf(w, "commit: %s\n", info.Commit)
	fmt.Fprintf(w, "built_at: %s\n", info.BuildTime)
	return nil
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
