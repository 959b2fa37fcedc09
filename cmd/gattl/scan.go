package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mpetrov/gattlink/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This command will scan for BLE devices and display information about
discovered devices, including their names, addresses, RSSI values, and
advertised services.`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanServices    []string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanWatch       bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses the configured default)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	format := cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	logger, err := configureLogger(cmd, cfg, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := cfg.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}
	if scanWatch {
		// Watch mode scans until interrupted.
		duration = 0
	}

	opts := &scanner.Options{
		Duration:        duration,
		DuplicateFilter: scanNoDuplicate,
		ServiceUUIDs:    scanServices,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}

	s := scanner.NewScanner(logger)
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if scanWatch {
		return runWatchScan(ctx, s, opts, format)
	}
	return runSingleScan(ctx, s, opts, format, duration)
}

func runSingleScan(ctx context.Context, s *scanner.Scanner, opts *scanner.Options, format string, duration time.Duration) error {
	progress := NewCountdownProgressPrinter("Scanning for BLE devices", duration)
	progress.Start()

	devices, err := s.Scan(ctx, opts)
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return displayDevices(devices, format)
}

func runWatchScan(ctx context.Context, s *scanner.Scanner, opts *scanner.Options, format string) error {
	// Track the latest advertisement state per address; the snapshot returned
	// by Scan is only consulted at the end.
	devices := make(map[string]scanner.DeviceInfo)

	scanErrCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts)
		scanErrCh <- err
	}()

	redraw := time.NewTicker(time.Second)
	defer redraw.Stop()

	for {
		select {
		case <-ctx.Done():
			clearScreen()
			return displayDevices(sortedDevices(devices), format)

		case err := <-scanErrCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			clearScreen()
			return displayDevices(sortedDevices(devices), format)

		case ev := <-s.Events():
			devices[ev.Device.Address] = ev.Device

		case <-redraw.C:
			clearScreen()
			_ = displayDevices(sortedDevices(devices), format)
		}
	}
}

func sortedDevices(m map[string]scanner.DeviceInfo) []scanner.DeviceInfo {
	result := make([]scanner.DeviceInfo, 0, len(m))
	for _, d := range m {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})
	return result
}

func displayDevices(devices []scanner.DeviceInfo, format string) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}
	return displayDevicesTable(devices)
}

func displayDevicesTable(devices []scanner.DeviceInfo) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := color.New(color.Bold)
	header.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")

	for _, dev := range devices {
		name := dev.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(dev.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(dev.LastSeen).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, dev.Address, dev.RSSI, services, lastSeen)
	}

	return w.Flush()
}

func clearScreen() {
	var w io.Writer = os.Stdout
	fmt.Fprint(w, "\033[2J\033[H")
}
