// Package goble adapts the go-ble stack to the coordinator's transport
// contract: one ordered event stream per link, one outstanding request at a
// time, CCCD writes translated into platform subscribe calls.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/mpetrov/gattlink/gatt"
)

// DeviceFactory creates the platform ble.Device. Overridable in tests.
var DeviceFactory = newDefaultDevice

// Transport implements gatt.Transport on top of go-ble.
type Transport struct {
	logger *logrus.Logger

	mu     sync.Mutex
	device ble.Device
}

func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// ensureDevice initializes the platform device once.
func (t *Transport) ensureDevice() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device != nil {
		return t.device, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	t.device = dev
	return dev, nil
}

// Open starts connecting to the device at addr. The returned link transport
// reports connection progress on its event stream; the dial itself runs in
// the background so the stream can carry the Connecting state immediately.
func (t *Transport) Open(ctx context.Context, addr string) (gatt.LinkTransport, error) {
	if addr == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if _, err := t.ensureDevice(); err != nil {
		return nil, err
	}

	lt := newLinkTransport(addr, t.logger)
	lt.start(ctx)
	return lt, nil
}

// Stop releases the platform device.
func (t *Transport) Stop() error {
	t.mu.Lock()
	dev := t.device
	t.device = nil
	t.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Stop()
}
