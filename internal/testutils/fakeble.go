package testutils

import (
	"context"
	"errors"
	"time"

	"github.com/go-ble/ble"
)

// ----------------------------
// Fake advertisement
// ----------------------------

// Advertisement is a scripted ble.Advertisement for scanner tests.
type Advertisement struct {
	address     string
	name        string
	rssi        int
	txPower     int
	connectable bool
	services    []ble.UUID
	manufData   []byte
}

// NewAdvertisement creates an advertisement for the given address. Fields are
// set through the With* chain.
func NewAdvertisement(address string) *Advertisement {
	return &Advertisement{
		address:     address,
		rssi:        -50,
		txPower:     127, // "unavailable" per spec
		connectable: true,
	}
}

func (a *Advertisement) WithName(name string) *Advertisement {
	a.name = name
	return a
}

func (a *Advertisement) WithRSSI(rssi int) *Advertisement {
	a.rssi = rssi
	return a
}

func (a *Advertisement) WithTxPower(power int) *Advertisement {
	a.txPower = power
	return a
}

func (a *Advertisement) WithConnectable(c bool) *Advertisement {
	a.connectable = c
	return a
}

// WithServices adds advertised service UUIDs, short or full form.
func (a *Advertisement) WithServices(uuids ...string) *Advertisement {
	for _, u := range uuids {
		a.services = append(a.services, ble.MustParse(u))
	}
	return a
}

func (a *Advertisement) WithManufacturerData(data []byte) *Advertisement {
	a.manufData = data
	return a
}

type fakeAddr string

func (a fakeAddr) String() string { return string(a) }

func (a *Advertisement) LocalName() string          { return a.name }
func (a *Advertisement) ManufacturerData() []byte   { return a.manufData }
func (a *Advertisement) ServiceData() []ble.ServiceData { return nil }
func (a *Advertisement) Services() []ble.UUID       { return a.services }
func (a *Advertisement) OverflowService() []ble.UUID { return nil }
func (a *Advertisement) TxPowerLevel() int          { return a.txPower }
func (a *Advertisement) Connectable() bool          { return a.connectable }
func (a *Advertisement) SolicitedService() []ble.UUID { return nil }
func (a *Advertisement) RSSI() int                  { return a.rssi }
func (a *Advertisement) Addr() ble.Addr             { return fakeAddr(a.address) }

// ----------------------------
// Fake device
// ----------------------------

// FakeBLEDevice implements ble.Device; Scan replays the scripted
// advertisements to the handler, then blocks until the context expires.
// Install it via the goble.DeviceFactory hook.
type FakeBLEDevice struct {
	Advertisements []ble.Advertisement

	// Repeat re-delivers the advertisement list until the scan context
	// expires, as a real radio would.
	Repeat bool
}

func (d *FakeBLEDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	for {
		for _, adv := range d.Advertisements {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			h(adv)
		}
		if !d.Repeat {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *FakeBLEDevice) AddService(svc *ble.Service) error     { return nil }
func (d *FakeBLEDevice) RemoveAllServices() error              { return nil }
func (d *FakeBLEDevice) SetServices(svcs []*ble.Service) error { return nil }
func (d *FakeBLEDevice) Stop() error                           { return nil }

func (d *FakeBLEDevice) Advertise(ctx context.Context, adv ble.Advertisement) error { return nil }
func (d *FakeBLEDevice) AdvertiseNameAndServices(ctx context.Context, name string, ss ...ble.UUID) error {
	return nil
}
func (d *FakeBLEDevice) AdvertiseIBeacon(ctx context.Context, u ble.UUID, major, minor uint16, pwr int8) error {
	return nil
}
func (d *FakeBLEDevice) AdvertiseIBeaconData(ctx context.Context, b []byte) error        { return nil }
func (d *FakeBLEDevice) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error { return nil }
func (d *FakeBLEDevice) AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error {
	return nil
}

func (d *FakeBLEDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	return nil, errors.New("fake device does not dial")
}
