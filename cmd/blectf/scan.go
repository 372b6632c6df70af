package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blectf/internal/bledb"
	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy devices in the vicinity and list them in
discovery order.

By default only devices advertising the CTF service are listed (see
service_filter in the config file); --all lists every device.

Examples:
  # Scan for CTF devices for the configured duration
  blectf scan

  # Scan every device for 5 seconds and print JSON
  blectf scan --all --duration 5s --json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanJSON        bool
	scanAll         bool
	scanServices    []string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default scan_timeout from the config)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Output as JSON")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every device, not only CTF peripherals")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs or names")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
}

func runScan(cmd *cobra.Command, args []string) error {
	var services []string
	for _, s := range scanServices {
		uuid, err := bledb.ResolveUUID(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		services = append(services, uuid)
	}

	env, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if len(services) == 0 && env.cfg.ServiceFilter && !scanAll {
		services = []string{bledb.MustUUID(bledb.CTFService)}
	}
	duration := scanDuration
	if duration <= 0 {
		duration = env.cfg.ScanTimeout
	}

	opts := &scanner.ScanOptions{
		DuplicateFilter: scanNoDuplicate,
		ServiceUUIDs:    services,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	s := scanner.NewScanner(env.adapter.source, env.logger, opts)
	defer s.Close()

	devices, err := s.Scan(ctx, duration)
	if err != nil && !errors.Is(err, context.Canceled) {
		env.logger.WithError(err).Error("scan failed")
		return err
	}

	p := newPrinter(cmd)
	if scanJSON {
		if devices == nil {
			devices = []device.RemoteDevice{}
		}
		return p.JSON(devices)
	}
	return displayDevicesTable(p, devices)
}

func displayDevicesTable(p *printer, devices []device.RemoteDevice) error {
	if len(devices) == 0 {
		fmt.Fprintln(p.w, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, p.label.Sprint("NAME\tADDRESS"))
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = p.dim.Sprint("(unnamed)")
		} else if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\n", name, dev.Address)
	}
	return w.Flush()
}
