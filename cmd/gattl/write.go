package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpetrov/gattlink/gatt"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic or descriptor",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic or descriptor.

Long payloads are fragmented into MTU-sized chunks automatically.

Examples:
  # Write to characteristic (string data)
  gattl write %s 2a06 "high"

  # Write hex data
  gattl write %s 2a06 01 --hex

  # Write to descriptor (enable notifications)
  gattl write %s --service 180d --char 2a37 --desc 2902 0100 --hex

  # Write without response (faster, no ACK)
  gattl write %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(2, 3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeCharUUID    string
	writeDescUUID    string
	writeHex         bool
	writeNoResponse  bool
	writeCmdTimeout  time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().StringVar(&writeCharUUID, "char", "", "Characteristic UUID")
	writeCmd.Flags().StringVar(&writeDescUUID, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	writeCmd.Flags().DurationVar(&writeCmdTimeout, "timeout", 5*time.Second, "Write timeout")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Parse UUID and data from positional args or flags
	var targetUUID, dataStr string
	switch len(args) {
	case 3:
		targetUUID = args[1]
		dataStr = args[2]
	default:
		targetUUID = writeCharUUID
		if targetUUID == "" {
			return fmt.Errorf("UUID required: provide as second argument or via --char flag")
		}
		dataStr = args[1]
	}

	data, err := parseWriteData(dataStr)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
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

	progress := NewProgressPrinter(fmt.Sprintf("Writing %d bytes to %s on %s", len(data), targetUUID, address))
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

	char, err := findCharacteristic(link, writeServiceUUID, targetUUID)
	if err != nil {
		return err
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, writeCmdTimeout)
	defer cancelWrite()

	// Descriptor path
	if writeDescUUID != "" {
		desc, err := char.Descriptor(writeDescUUID)
		if err != nil {
			return err
		}
		if err := desc.Write(writeCtx, data); err != nil {
			return fmt.Errorf("failed to write descriptor: %w", err)
		}
		fmt.Println("Write successful")
		return nil
	}

	// Determine write mode: defaults to with-response when supported
	writeType := gatt.WriteDefault
	if writeNoResponse || !char.Properties().Has(gatt.PropWrite) {
		writeType = gatt.WriteWithoutResponse
	}

	if _, err := char.SplitWrite(writeCtx, data, writeType); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}

	fmt.Println("Write successful")
	return nil
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}
