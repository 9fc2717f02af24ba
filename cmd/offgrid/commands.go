package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jobrunner/offgrid/internal/domain"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download and unpack the tiles for a bounding box",
	Example: `  offgrid download --bbox 13.0,52.3,13.8,52.7
  offgrid download --backend directions --bbox=-0.5,51.3,0.3,51.7`,
	RunE: runDownload,
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List available and installed tile versions",
	RunE:  runVersions,
}

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List catalogued offline regions",
	RunE:  runRegions,
}

func init() {
	downloadCmd.Flags().String("bbox", "", "bounding box as min_lon,min_lat,max_lon,max_lat")
	_ = downloadCmd.MarkFlagRequired("bbox")

	regionsCmd.Flags().Bool("refresh", false, "refresh the catalog from the backend first")
}

func runDownload(cmd *cobra.Command, _ []string) error {
	bbox, _ := cmd.Flags().GetString("bbox")
	rect, err := domain.ParseBBox(bbox)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	result := a.Pipeline.Run(ctx, rect, newProgressPrinter(cmd.OutOrStdout()))

	if _, err := a.Catalog.RecordDownload(ctx, result); err != nil {
		a.Logger.Warn("failed to record download", "error", err)
	}

	if !result.Succeeded() {
		if result.Err != nil {
			return fmt.Errorf("download %s: %w", result.Stage, result.Err)
		}
		return fmt.Errorf("download %s", result.Stage)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version %s unpacked to %s", result.Version, result.OutputDir)
	if result.Unpack != nil {
		fmt.Fprintf(out, " (%d files, %s)", result.Unpack.Files, humanize.Bytes(result.Unpack.Bytes))
	}
	fmt.Fprintf(out, " in %s\n", result.Duration().Round(time.Millisecond))
	return nil
}

func runVersions(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	installed, err := a.Versions.InstalledVersions(ctx)
	if err != nil {
		return err
	}
	available, err := a.Versions.AvailableVersions(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "available: %s\n", joinOrNone(available))
	fmt.Fprintf(out, "installed: %s\n", joinOrNone(installed))
	return nil
}

func runRegions(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
		stats, err := a.Catalog.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "refreshed: %d added, %d updated, %d removed\n", stats.Added, stats.Updated, stats.Removed)
	}

	regions, err := a.Catalog.ListRegions(ctx)
	if err != nil {
		return err
	}
	return writeRegions(cmd.OutOrStdout(), regions)
}

func writeRegions(w io.Writer, regions []*domain.OfflineRegion) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tREVISION\tUPDATED\tNAVIGATION")
	for _, r := range regions {
		updated := "-"
		if !r.LastUpdated().IsZero() {
			updated = humanize.Time(r.LastUpdated())
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID(), r.Name(), r.Revision(), updated, packSummary(r.NavigationPack))
	}
	return tw.Flush()
}

func packSummary(p *domain.OfflineRegionPack) string {
	if p == nil {
		return "-"
	}
	status := "unknown"
	if p.Status != nil {
		status = p.Status.String()
	}
	if p.TotalBytes != nil {
		return fmt.Sprintf("%s %s/%s", status, humanize.Bytes(p.Bytes), humanize.Bytes(*p.TotalBytes))
	}
	return fmt.Sprintf("%s %s", status, humanize.Bytes(p.Bytes))
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

// progressPrinter reports a pipeline run on a terminal.
type progressPrinter struct {
	out         io.Writer
	lastPercent int
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, lastPercent: -1}
}

func (p *progressPrinter) StatusChanged(text string) {
	fmt.Fprintln(p.out, text)
}

func (p *progressPrinter) VersionSelected(version string) {
	fmt.Fprintf(p.out, "using tile version %s\n", version)
	p.lastPercent = -1
}

func (p *progressPrinter) DownloadProgressChanged(progress domain.DownloadProgress) {
	if progress.TotalBytes <= 0 {
		return
	}
	percent := int(progress.BytesWritten * 100 / progress.TotalBytes)
	step := percent / 10 * 10
	if step <= p.lastPercent {
		return
	}
	p.lastPercent = step
	fmt.Fprintf(p.out, "downloaded %s of %s (%d%%)\n",
		humanize.Bytes(uint64(progress.BytesWritten)), humanize.Bytes(uint64(progress.TotalBytes)), percent)
}
