package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anstrom/bulkscan/internal/config"
	"github.com/anstrom/bulkscan/internal/engine"
	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/feature"
	"github.com/anstrom/bulkscan/internal/image"
	"github.com/anstrom/bulkscan/internal/logging"
	"github.com/anstrom/bulkscan/internal/metrics"
	"github.com/anstrom/bulkscan/internal/sbuf"
	"github.com/anstrom/bulkscan/internal/scanners"
)

var pathOpts struct {
	raw    bool
	length int
}

// pathCmd prints the bytes behind a forensic path.
var pathCmd = &cobra.Command{
	Use:   "path IMAGE POS0",
	Short: "Print the bytes at a forensic path",
	Long: `Path reads IMAGE at the offset that starts POS0 and replays every decoder
step in it, then prints the bytes the path points at. POS0 is the first
column of a feature file, for example 1000-GZIP-9.

Scanner options from the config file apply, so a stream decoded with a
raised size limit resolves the same way.`,
	Example: `  bulkscan path disk.raw 1000-GZIP-9
  bulkscan path disk.raw 1000-GZIP-9 -n 0 --raw > stream.bin`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return printPath(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], args[1], pathOpts.length, pathOpts.raw)
	},
}

func init() {
	rootCmd.AddCommand(pathCmd)

	f := pathCmd.Flags()
	f.BoolVar(&pathOpts.raw, "raw", false, "Write the bytes unmodified instead of a hex dump")
	f.IntVarP(&pathOpts.length, "length", "n", 512, "Bytes to print (0 prints to the end of the buffer)")
}

// printPath resolves pos0 in the image at imagePath and writes up to length
// bytes from it to w.
func printPath(ctx context.Context, w io.Writer, cfg *config.Config, imagePath, pos0 string, length int, raw bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path, err := sbuf.Parse(pos0)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	fopts := feature.DefaultOptions()
	fopts.Metrics = reg
	fopts.Logger = logging.Default()
	fs, err := feature.NewSet(fopts)
	if err != nil {
		return err
	}
	defer func() { _ = fs.Close() }()

	set := engine.NewSet(fs, engine.Options{
		ScannerOptions: cfg.Scanners.Options,
		Metrics:        reg,
		Logger:         logging.Default(),
	})
	if err := set.RegisterAll(scanners.Builtin()); err != nil {
		return fmt.Errorf("failed to register scanners: %w", err)
	}
	if err := set.Init(ctx); err != nil {
		return err
	}

	im, err := image.Open(imagePath, image.Options{
		PageSize:   cfg.Scan.PageSize,
		MarginSize: cfg.Scan.MarginSize,
		Metrics:    reg,
		Logger:     logging.Default(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = im.Close() }()

	root, err := im.ReadPage(int64(path.Segments()[0].Offset))
	if err != nil {
		return err
	}
	if root == nil {
		return errors.NewScanError(errors.CodeRange, "offset is past the end of the image").WithPos0(pos0)
	}
	buf, err := set.ResolvePath(ctx, root, path)
	if err != nil {
		return err
	}

	data := buf.Data()
	if length > 0 && length < len(data) {
		data = data[:length]
	}
	if raw {
		_, err := w.Write(data)
		return err
	}
	fmt.Fprintf(w, "%s (%d of %d bytes)\n", buf.Pos0(), len(data), buf.Len())
	d := hex.Dumper(w)
	if _, err := d.Write(data); err != nil {
		return err
	}
	return d.Close()
}
