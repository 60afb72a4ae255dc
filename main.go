package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/briangreenhill/offlinecache/cache"
	"github.com/briangreenhill/offlinecache/internal/config"
	"github.com/briangreenhill/offlinecache/internal/policy"
)

const cliVersion = "offlinecache v0.1.0"

// CLI Constants
const (
	CmdVersion   = "version"
	CmdClassify  = "classify"
	CmdKey       = "key"
	CmdStores    = "stores"
	CmdManifest  = "manifest"
	FlagManifest = "manifest"
	FlagDir      = "dir"
	FlagApp      = "app"
)

func main() {
	if err := runCLI(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func runCLI(args []string) error {
	root := newRootCmd(os.Stdout)
	root.SetArgs(args)
	return root.Execute()
}

// newRootCmd builds the command tree. Manifest and cache dir flags default
// to the ASSET_MANIFEST and CACHE_DIR environment variables.
func newRootCmd(out io.Writer) *cobra.Command {
	var (
		manifestPath = os.Getenv("ASSET_MANIFEST")
		cacheDir     = os.Getenv("CACHE_DIR")
		appID        = os.Getenv("APP_ID")
	)

	root := &cobra.Command{
		Use:   "offlinecache",
		Short: "Inspect the offline caching proxy",
		Long: `offlinecache inspects the configuration and persisted stores of the
offline caching proxy (cmd/api) and its sync worker (cmd/worker).

Examples:
  offlinecache classify GET http://localhost:8080/api/questions/1
  offlinecache key GET /index.html
  offlinecache stores --dir /var/lib/offlinecache
  offlinecache manifest --manifest assets.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVarP(&manifestPath, FlagManifest, "m", manifestPath, "Asset manifest (YAML); defaults are used when empty")

	versionCmd := &cobra.Command{
		Use:   CmdVersion,
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), cliVersion)
		},
	}

	classifyCmd := &cobra.Command{
		Use:   CmdClassify + " <method> <url>",
		Short: "Show the caching policy class of a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			class := policy.New(m.Routes).Classify(args[0], args[1])
			fmt.Fprintln(cmd.OutOrStdout(), class)
			return nil
		},
	}

	keyCmd := &cobra.Command{
		Use:   CmdKey + " <method> <url>",
		Short: "Show the cache key a request is stored under",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), cache.KeyFor(args[0], args[1]))
		},
	}

	storesCmd := &cobra.Command{
		Use:   CmdStores,
		Short: "List persisted cache stores and their entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listStores(cmd.OutOrStdout(), cacheDir, appID)
		},
	}
	storesCmd.Flags().StringVarP(&cacheDir, FlagDir, "d", cacheDir, "Cache directory (default ~/.offlinecache)")
	storesCmd.Flags().StringVar(&appID, FlagApp, appID, "Only list stores of this application")

	manifestCmd := &cobra.Command{
		Use:   CmdManifest,
		Short: "Print the effective asset manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := config.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			data, err := m.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	root.AddCommand(versionCmd, classifyCmd, keyCmd, storesCmd, manifestCmd)
	return root
}

func listStores(out io.Writer, dir, appID string) error {
	fs, err := cache.NewFileStore(dir)
	if err != nil {
		return fmt.Errorf("open cache dir: %w", err)
	}
	names, err := fs.List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORE\tKIND\tENTRIES")
	for _, name := range names {
		if appID != "" && !strings.HasPrefix(name, appID+"-") {
			continue
		}
		entries, err := fs.Load(name)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", name, storeKind(appID, name), "unreadable")
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", name, storeKind(appID, name), len(entries))
	}
	return tw.Flush()
}

// storeKind reports whether name is a static or dynamic generation store
func storeKind(appID, name string) string {
	if appID == "" {
		appID, _, _ = strings.Cut(name, "-")
	}
	rest, ok := strings.CutPrefix(name, appID+"-")
	switch {
	case !ok:
		return "-"
	case strings.HasPrefix(rest, "static-v"):
		return "static"
	case strings.HasPrefix(rest, "dynamic-v"):
		return "dynamic"
	default:
		return "-"
	}
}
