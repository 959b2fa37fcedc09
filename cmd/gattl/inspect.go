package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mpetrov/gattlink/gatt"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services, characteristics, and descriptors of a BLE device",
	Long: `Connects to a BLE device by address and discovers its services,
characteristics, and descriptors. Attempts to read characteristic values when possible.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectConnectTimeout time.Duration
	inspectJSON           bool
	inspectReadLimit      int
	inspectReadTimeout    time.Duration
)

func init() {
	inspectCmd.Flags().DurationVar(&inspectConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes to show from readable characteristics (0 to disable reads)")
	inspectCmd.Flags().DurationVar(&inspectReadTimeout, "read-timeout", 2*time.Second, "Per-characteristic read timeout")
}

type inspectDescriptor struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
}

type inspectCharacteristic struct {
	UUID        string              `json:"uuid"`
	Instance    uint16              `json:"instance"`
	Name        string              `json:"name,omitempty"`
	Properties  string              `json:"properties"`
	Value       string              `json:"value,omitempty"` // hex
	Descriptors []inspectDescriptor `json:"descriptors,omitempty"`
}

type inspectService struct {
	UUID            string                  `json:"uuid"`
	Instance        uint16                  `json:"instance"`
	Name            string                  `json:"name,omitempty"`
	Characteristics []inspectCharacteristic `json:"characteristics"`
}

type inspectReport struct {
	Address  string           `json:"address"`
	MTU      int              `json:"mtu"`
	Services []inspectService `json:"services"`
}

func runInspect(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Inspecting device %s", address))
	progress.Start()

	link, tr, err := dialLink(ctx, address, inspectConnectTimeout, logger)
	if err != nil {
		progress.Stop()
		return err
	}
	defer func() {
		_ = link.Close()
		_ = tr.Stop()
	}()

	report := buildInspectReport(ctx, link)
	progress.Stop()

	if inspectJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	printInspectReport(report)
	return nil
}

func buildInspectReport(ctx context.Context, link *gatt.Link) *inspectReport {
	report := &inspectReport{
		Address: link.Addr(),
		MTU:     link.MTU(),
	}

	for _, svc := range link.Services() {
		s := inspectService{
			UUID:     svc.UUID(),
			Instance: svc.ID().Instance,
			Name:     svc.KnownName(),
		}
		for _, ch := range svc.Characteristics() {
			c := inspectCharacteristic{
				UUID:       ch.UUID(),
				Instance:   ch.ID().Instance,
				Name:       ch.KnownName(),
				Properties: ch.Properties().String(),
			}
			if inspectReadLimit > 0 && ch.Properties().Has(gatt.PropRead) {
				c.Value = readValueHex(ctx, ch)
			}
			for _, d := range ch.Descriptors() {
				c.Descriptors = append(c.Descriptors, inspectDescriptor{
					UUID: d.UUID(),
					Name: d.KnownName(),
				})
			}
			s.Characteristics = append(s.Characteristics, c)
		}
		report.Services = append(report.Services, s)
	}

	return report
}

func readValueHex(ctx context.Context, ch *gatt.Characteristic) string {
	readCtx, cancel := context.WithTimeout(ctx, inspectReadTimeout)
	defer cancel()

	value, err := ch.Read(readCtx)
	if err != nil {
		return ""
	}
	if len(value) > inspectReadLimit {
		value = value[:inspectReadLimit]
	}
	return hex.EncodeToString(value)
}

func printInspectReport(report *inspectReport) {
	bold := color.New(color.Bold)
	dim := color.New(color.Faint)

	fmt.Printf("Device %s (MTU %d)\n\n", report.Address, report.MTU)

	for _, svc := range report.Services {
		bold.Printf("service %s", svc.UUID)
		if svc.Name != "" {
			dim.Printf("  (%s)", svc.Name)
		}
		fmt.Println()

		for _, ch := range svc.Characteristics {
			fmt.Printf("  char %s", ch.UUID)
			if ch.Instance != 0 {
				fmt.Printf("#%d", ch.Instance)
			}
			if ch.Name != "" {
				dim.Printf("  (%s)", ch.Name)
			}
			fmt.Printf("  [%s]", ch.Properties)
			if ch.Value != "" {
				fmt.Printf("  = %s", ch.Value)
			}
			fmt.Println()

			for _, d := range ch.Descriptors {
				fmt.Printf("    desc %s", d.UUID)
				if d.Name != "" {
					dim.Printf("  (%s)", d.Name)
				}
				fmt.Println()
			}
		}
		fmt.Println()
	}
}
