package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mpetrov/gattlink/gatt"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [uuid]",
	Short: "Read a characteristic or descriptor value",
	Long: fmt.Sprintf(`Reads data from BLE characteristic(s) or a descriptor.

Examples:
  # Read Battery Level characteristic
  gattl read %s 2a19

  # Read multiple characteristics (comma-separated)
  gattl read %s 2a37,2a38,2a19 --hex

  # Read with service disambiguation
  gattl read %s --service 180f --char 2a19

  # Read descriptor (Client Characteristic Configuration)
  gattl read %s --service 180d --char 2a37 --desc 2902

  # Continuously watch characteristic (polls every second)
  gattl read %s 2a37 --watch

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readCharUUIDs   string // supports comma-separated UUIDs
	readDescUUID    string
	readHex         bool
	readTimeout     time.Duration
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated for multiple")
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Second, "Read timeout")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Determine UUID source (raw CSV string for later parsing)
	uuidInput := readCharUUIDs
	if len(args) == 2 {
		uuidInput = args[1]
	}
	charUUIDs := parseCSVUUIDs(uuidInput)
	if readDescUUID != "" {
		if len(charUUIDs) != 1 {
			return fmt.Errorf("descriptor reads require exactly one --char UUID")
		}
	} else if len(charUUIDs) == 0 {
		return fmt.Errorf("UUID required: provide as second argument or via --char flag")
	}

	// Parse watch interval if watch flag is set
	var watchInterval time.Duration
	if readWatch != "" {
		if len(charUUIDs) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(charUUIDs))
		}
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
	}

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

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Reading from %s", address))
	progress.Start()

	link, tr, err := dialLink(ctx, address, cfg.DialTimeout, logger)
	progress.Stop()
	if err != nil {
		return err
	}
	defer func() {
		_ = link.Close()
		_ = tr.Stop()
	}()

	// Descriptor path
	if readDescUUID != "" {
		char, err := findCharacteristic(link, readServiceUUID, charUUIDs[0])
		if err != nil {
			return err
		}
		desc, err := char.Descriptor(readDescUUID)
		if err != nil {
			return err
		}
		readCtx, cancelRead := context.WithTimeout(ctx, readTimeout)
		defer cancelRead()
		data, err := desc.Read(readCtx)
		if err != nil {
			return fmt.Errorf("failed to read descriptor: %w", err)
		}
		return outputData(data)
	}

	// Single characteristic, optionally watched
	if len(charUUIDs) == 1 {
		char, err := findCharacteristic(link, readServiceUUID, charUUIDs[0])
		if err != nil {
			return err
		}
		if readWatch != "" {
			return watchChar(ctx, char, watchInterval, logger)
		}
		readCtx, cancelRead := context.WithTimeout(ctx, readTimeout)
		defer cancelRead()
		data, err := char.Read(readCtx)
		if err != nil {
			return fmt.Errorf("failed to read characteristic: %w", err)
		}
		return outputData(data)
	}

	// Multi-characteristic
	return performMultiRead(ctx, link, charUUIDs)
}

// performMultiRead reads multiple characteristics and outputs with UUID
// prefixes, continuing past per-characteristic failures.
func performMultiRead(ctx context.Context, link *gatt.Link, charUUIDs []string) error {
	for _, uuid := range charUUIDs {
		char, err := findCharacteristic(link, readServiceUUID, uuid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", gatt.NormalizeUUID(uuid), err)
			continue
		}

		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		data, err := char.Read(readCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", char.UUID(), err)
			continue
		}

		outputDataWithPrefix(char.UUID(), data)
	}

	return nil
}

// watchChar continuously reads a characteristic at the specified interval
func watchChar(ctx context.Context, char *gatt.Characteristic, interval time.Duration, logger *logrus.Logger) error {
	fmt.Fprintf(os.Stderr, "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	readOnce := func() error {
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()
		data, err := char.Read(readCtx)
		if err != nil {
			return err
		}
		return outputData(data)
	}

	// Perform immediate first read
	if err := readOnce(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := readOnce(); err != nil {
				if errors.Is(err, gatt.ErrLinkLost) || errors.Is(err, gatt.ErrClosed) {
					return ErrConnectionLost
				}
				// Log other errors but continue watching
				logger.WithError(err).Warn("Failed to read characteristic, continuing...")
			}
		}
	}
}

// outputData formats and outputs data according to flags
func outputData(data []byte) error {
	if readHex {
		fmt.Println(hex.EncodeToString(data))
		return nil
	}

	// Default: Raw binary output to stdout
	_, err := os.Stdout.Write(data)
	return err
}

// outputDataWithPrefix outputs data with a UUID prefix for multi-char reads.
func outputDataWithPrefix(uuid string, data []byte) {
	if readHex {
		fmt.Printf("%s: %s\n", uuid, hex.EncodeToString(data))
		return
	}

	fmt.Printf("%s: ", uuid)
	_, _ = os.Stdout.Write(data)
	fmt.Println()
}
