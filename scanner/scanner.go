// Package scanner discovers nearby devices through the platform BLE stack
// and keeps a live view of their advertisements.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/mpetrov/gattlink/gatt"
	"github.com/mpetrov/gattlink/internal/ringchan"
	"github.com/mpetrov/gattlink/transport/goble"
)

const eventBuffer = 100

// DeviceEventType marks whether a device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceInfo is the merged advertisement state of one remote device.
type DeviceInfo struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string // normalized advertised service UUIDs
	TxPower     int
	LastSeen    time.Time
}

type DeviceEvent struct {
	Type   DeviceEventType
	Device DeviceInfo
}

// Options configures a scan.
type Options struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []string // keep only devices advertising one of these
	AllowList       []string // keep only these addresses, when non-empty
	BlockList       []string // always drop these addresses
}

func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles device discovery. Safe for one scan at a time.
type Scanner struct {
	logger *logrus.Logger

	mu      sync.Mutex
	devices *hashmap.Map[string, *DeviceInfo]
	events  *ringchan.Ring[DeviceEvent]
	opts    *Options
}

func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		logger: logger,
		events: ringchan.New[DeviceEvent](eventBuffer),
	}
}

// Events returns a drop-oldest stream of discovery events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// Scan runs discovery until the configured duration or ctx expires, then
// returns a snapshot of everything seen, sorted by address.
func (s *Scanner) Scan(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	s.mu.Lock()
	s.devices = hashmap.New[string, *DeviceInfo]()
	s.opts = opts
	s.mu.Unlock()

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err = dev.Scan(scanCtx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	return s.snapshot(), nil
}

func (s *Scanner) snapshot() []DeviceInfo {
	result := make([]DeviceInfo, 0, s.devices.Len())
	s.devices.Range(func(_ string, info *DeviceInfo) bool {
		result = append(result, *info)
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})
	return result
}

func (s *Scanner) handleAdvertisement(adv ble.Advertisement) {
	addr := adv.Addr().String()
	if !s.shouldInclude(adv) {
		return
	}

	info, existing := s.devices.Get(addr)
	if !existing {
		info = &DeviceInfo{Address: addr}
		var loaded bool
		info, loaded = s.devices.GetOrInsert(addr, info)
		existing = loaded
	}

	info.RSSI = adv.RSSI()
	info.Connectable = adv.Connectable()
	info.TxPower = adv.TxPowerLevel()
	info.LastSeen = time.Now()
	if name := adv.LocalName(); name != "" {
		info.Name = name
	}
	// A fresh slice per update: events already queued carry a value copy of
	// the info whose Services still aliases the previous backing array.
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, gatt.NormalizeUUID(u.String()))
	}
	info.Services = services

	event := DeviceEvent{Type: EventUpdated, Device: *info}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  info.Name,
			"address": info.Address,
			"rssi":    info.RSSI,
		}).Info("Discovered new device")
	}
	s.events.Put(event)
}

func (s *Scanner) shouldInclude(adv ble.Advertisement) bool {
	opts := s.opts
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		advertised := adv.Services()
		found := false
		for _, required := range opts.ServiceUUIDs {
			normalized := gatt.NormalizeUUID(required)
			for _, u := range advertised {
				if gatt.NormalizeUUID(u.String()) == normalized {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
