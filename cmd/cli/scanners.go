package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/bulkscan/internal/engine"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/scanners"
)

var scannersShowOptions bool

// scannersCmd lists the built-in scanners.
var scannersCmd = &cobra.Command{
	Use:   "scanners",
	Short: "List available scanners and their options",
	Long: `List every built-in scanner with its version, flags and the feature
channels it writes. With --options the settable scanner options are listed
with their defaults; set them on a scan with -S name=value.`,
	Example: `  bulkscan scanners
  bulkscan scanners --options`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listScanners(cmd.OutOrStdout(), scannersShowOptions)
	},
}

func init() {
	rootCmd.AddCommand(scannersCmd)
	scannersCmd.Flags().BoolVar(&scannersShowOptions, "options", false, "Also list scanner options")
}

// listScanners registers the built-in scanners, which runs their STARTUP
// phase, and prints what they reported.
func listScanners(w io.Writer, showOptions bool) error {
	fopts := feature.DefaultOptions()
	fopts.Metrics = metrics.NewRegistry()
	fopts.Logger = logging.Default()
	fs, err := feature.NewSet(fopts)
	if err != nil {
		return err
	}
	defer func() { _ = fs.Close() }()

	opts := engine.DefaultOptions()
	opts.Metrics = fopts.Metrics
	opts.Logger = logging.Default()
	set := engine.NewSet(fs, opts)
	if err := set.RegisterAll(scanners.Builtin()); err != nil {
		return fmt.Errorf("failed to register scanners: %w", err)
	}

	infos := set.Infos()
	table := newTable(w)
	table.Header("Name", "Version", "Enabled", "Flags", "Features", "Description")
	for _, info := range infos {
		_ = table.Append([]string{
			info.Name,
			info.Version,
			fmt.Sprintf("%t", set.Enabled(info.Name)),
			info.Flags.String(),
			strings.Join(info.FeatureNames, ","),
			info.Description,
		})
	}
	if err := table.Render(); err != nil {
		return err
	}

	if !showOptions {
		return nil
	}
	fmt.Fprintln(w)
	optTable := newTable(w)
	optTable.Header("Scanner", "Option", "Default", "Help")
	for _, info := range infos {
		for _, o := range info.Options {
			_ = optTable.Append([]string{info.Name, o.Name, o.Default, o.Help})
		}
	}
	return optTable.Render()
}

func newTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewWriter(w)
}
