package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpetrov/gattlink/gatt"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> [uuid]",
	Short: "Subscribe to characteristic notifications",
	Long: fmt.Sprintf(`Subscribes to BLE characteristic notifications and outputs received data.

Characteristics that only support indications are subscribed via
indications automatically. Slow consumers never block the device: when the
stream buffer fills, the oldest values are dropped.

Examples:
  # Subscribe to single characteristic
  gattl subscribe %s 2a37

  # Subscribe to multiple characteristics (comma-separated)
  gattl subscribe %s 2a6e,2a6f,2a19 --hex

  # Subscribe to characteristics in specific service
  gattl subscribe %s --service 180d --char 2a37,2a38

  # Subscribe to all notifiable characteristics in service
  gattl subscribe %s --service ff30

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeCharUUIDs   string // comma-separated
	subscribeHex         bool
	subscribeTimeout     time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (optional; auto-resolves if omitted)")
	subscribeCmd.Flags().StringVar(&subscribeCharUUIDs, "char", "", "Characteristic UUID(s), comma-separated (e.g., 2a37,2a38)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", 30*time.Second, "Connection timeout")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Determine characteristics to subscribe (raw CSV string for later parsing)
	charUUIDsCSV := subscribeCharUUIDs
	if len(args) == 2 {
		charUUIDsCSV = args[1]
	}
	charUUIDs := parseCSVUUIDs(charUUIDsCSV)

	// Validate: either chars specified or service specified (for all-in-service mode)
	if len(charUUIDs) == 0 && subscribeServiceUUID == "" {
		return fmt.Errorf("specify characteristic UUID(s) via argument or --char flag, or use --service for all characteristics")
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

	progress := NewProgressPrinter(fmt.Sprintf("Subscribing to %s", address))
	progress.Start()

	link, tr, err := dialLink(ctx, address, subscribeTimeout, logger)
	if err != nil {
		progress.Stop()
		return err
	}
	defer func() {
		_ = link.Close()
		_ = tr.Stop()
	}()

	chars, err := resolveSubscribeChars(link, charUUIDs)
	if err != nil {
		progress.Stop()
		return err
	}
	multiChar := len(chars) > 1

	var wg sync.WaitGroup
	var outMu sync.Mutex
	for _, char := range chars {
		sub, err := char.Subscribe(ctx)
		if err != nil {
			progress.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", char.UUID(), err)
		}
		defer func() {
			unsubCtx, cancelUnsub := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelUnsub()
			_ = sub.Unsubscribe(unsubCtx)
		}()

		uuid := char.UUID()
		wg.Add(1)
		go func(sub *gatt.Subscription) {
			defer wg.Done()
			for value := range sub.C() {
				outMu.Lock()
				printNotification(uuid, value, multiChar)
				outMu.Unlock()
			}
		}(sub)
	}

	progress.Stop()
	if multiChar {
		fmt.Fprintf(os.Stderr, "Subscribed to %d characteristics. Press Ctrl+C to stop...\n", len(chars))
	} else {
		fmt.Fprintf(os.Stderr, "Subscribed to %s. Press Ctrl+C to stop...\n", chars[0].UUID())
	}

	// Wait for either user cancellation (Ctrl+C) or connection loss
	select {
	case <-ctx.Done():
		return nil
	case <-link.Done():
		wg.Wait()
		return ErrConnectionLost
	}
}

// resolveSubscribeChars maps the requested UUIDs to characteristics. With no
// explicit UUIDs, all notifiable characteristics of --service are used.
func resolveSubscribeChars(link *gatt.Link, charUUIDs []string) ([]*gatt.Characteristic, error) {
	notifiable := gatt.PropNotify | gatt.PropIndicate

	if len(charUUIDs) == 0 {
		svc, err := link.Service(subscribeServiceUUID)
		if err != nil {
			return nil, err
		}
		var chars []*gatt.Characteristic
		for _, ch := range svc.Characteristics() {
			if ch.Properties()&notifiable != 0 {
				chars = append(chars, ch)
			}
		}
		if len(chars) == 0 {
			return nil, fmt.Errorf("no notifiable characteristics found in service %s", subscribeServiceUUID)
		}
		return chars, nil
	}

	chars := make([]*gatt.Characteristic, 0, len(charUUIDs))
	for _, uuid := range charUUIDs {
		ch, err := findCharacteristic(link, subscribeServiceUUID, uuid)
		if err != nil {
			return nil, err
		}
		if ch.Properties()&notifiable == 0 {
			return nil, fmt.Errorf("characteristic %s does not support notifications", ch.UUID())
		}
		chars = append(chars, ch)
	}
	return chars, nil
}

func printNotification(uuid string, data []byte, multiChar bool) {
	var prefix string
	if multiChar {
		prefix = uuid + ": "
	}

	if subscribeHex {
		fmt.Printf("%s%s\n", prefix, hex.EncodeToString(data))
		return
	}

	if prefix != "" {
		fmt.Print(prefix)
	}
	_, _ = os.Stdout.Write(data)
	fmt.Println()
}
