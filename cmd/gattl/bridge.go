package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpetrov/gattlink/bridge"
	"github.com/mpetrov/gattlink/transport/goble"
)

// Nordic UART Service, the de-facto standard serial-over-BLE profile.
const (
	nusServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRxCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nusTxCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Bridge a serial-style characteristic pair to a local PTY",
	Long: fmt.Sprintf(`Connects to a BLE device and exposes a characteristic pair as a local
pseudo-terminal. Bytes written to the PTY are fragmented onto the RX
characteristic; notifications from the TX characteristic appear as PTY
output.

Defaults to the Nordic UART Service (NUS) UUIDs.

Examples:
  # Bridge a NUS device
  gattl bridge %s

  # Custom characteristic pair with a stable symlink
  gattl bridge %s --service ff10 --rx ff11 --tx ff12 --symlink /tmp/mydev

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeServiceUUID string
	bridgeRxUUID      string
	bridgeTxUUID      string
	bridgeSymlink     string
	bridgeReadBuffer  int
	bridgeTimeout     time.Duration
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeServiceUUID, "service", nusServiceUUID, "Service UUID holding the characteristic pair")
	bridgeCmd.Flags().StringVar(&bridgeRxUUID, "rx", nusRxCharUUID, "RX characteristic UUID (written with PTY input)")
	bridgeCmd.Flags().StringVar(&bridgeTxUUID, "tx", nusTxCharUUID, "TX characteristic UUID (notifications feed the PTY)")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a stable symlink pointing at the PTY")
	bridgeCmd.Flags().IntVar(&bridgeReadBuffer, "read-buffer", 0, "PTY ring buffer size in bytes (0 uses the configured default)")
	bridgeCmd.Flags().DurationVar(&bridgeTimeout, "timeout", 0, "Connection timeout (0 uses the configured default)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg, "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	symlink := bridgeSymlink
	if symlink == "" {
		symlink = cfg.Bridge.Symlink
	}
	readBuffer := bridgeReadBuffer
	if readBuffer == 0 {
		readBuffer = cfg.Bridge.ReadBuffer
	}
	dialTimeout := bridgeTimeout
	if dialTimeout == 0 {
		dialTimeout = cfg.DialTimeout
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Bridging %s", address))
	progress.Start()

	tr := goble.NewTransport(logger)
	defer tr.Stop()

	b, err := bridge.Run(ctx, tr, &bridge.Options{
		Address:     address,
		Service:     bridgeServiceUUID,
		RxChar:      bridgeRxUUID,
		TxChar:      bridgeTxUUID,
		Symlink:     symlink,
		ReadBuffer:  readBuffer,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	progress.Stop()
	if err != nil {
		return err
	}
	defer b.Close()

	fmt.Fprintf(os.Stderr, "Bridge running on %s", b.TTYName())
	if b.Symlink() != "" {
		fmt.Fprintf(os.Stderr, " (symlink %s)", b.Symlink())
	}
	fmt.Fprintln(os.Stderr, ". Press Ctrl+C to stop...")

	// Run until the user interrupts or the link drops.
	select {
	case <-ctx.Done():
		return nil
	case <-b.Done():
		stats := b.Stats()
		logger.WithField("read_bytes", stats.ReadBytesTotal).
			WithField("write_bytes", stats.WriteBytesTotal).
			Info("Bridge stopped")
		return ErrConnectionLost
	}
}
