package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpetrov/gattlink/gatt"
	"github.com/mpetrov/gattlink/transport/goble"
)

const (
	exampleDeviceAddress = "AA:BB:CC:DD:EE:FF"
	deviceAddressNote    = "Device address format is platform-specific (MAC on Linux, UUID on macOS).\n  Use 'gattl scan' to discover devices"
)

// dialLink connects to the device and waits for service discovery. The
// returned transport must be stopped after the link is closed.
func dialLink(ctx context.Context, address string, timeout time.Duration, logger *logrus.Logger) (*gatt.Link, *goble.Transport, error) {
	tr := goble.NewTransport(logger)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	link, err := gatt.Dial(dialCtx, tr, address, logger)
	if err != nil {
		_ = tr.Stop()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return link, tr, nil
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// parseCSVUUIDs splits a comma-separated UUID list, dropping empty entries.
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}

// findCharacteristic resolves a characteristic by UUID, searching all
// services when no service UUID is given. Ambiguous matches across services
// are an error.
func findCharacteristic(link *gatt.Link, serviceUUID, charUUID string) (*gatt.Characteristic, error) {
	if serviceUUID != "" {
		return link.Characteristic(serviceUUID, charUUID)
	}

	normalized := gatt.NormalizeUUID(charUUID)
	var found *gatt.Characteristic
	for _, svc := range link.Services() {
		for _, ch := range svc.Characteristics() {
			if ch.UUID() != normalized {
				continue
			}
			if found != nil && found.Service() != ch.Service() {
				return nil, fmt.Errorf("characteristic %s exists in multiple services; disambiguate with --service", charUUID)
			}
			if found == nil {
				found = ch
			}
		}
	}
	if found == nil {
		return nil, &gatt.NotFoundError{Resource: "characteristic", UUIDs: []string{charUUID}}
	}
	return found, nil
}
