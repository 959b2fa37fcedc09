// Package bridge exposes a remote serial-style characteristic pair as a
// local pseudo-terminal. Bytes written to the PTY are fragmented onto the
// device's RX characteristic; notifications from the TX characteristic are
// played back into the PTY.
package bridge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpetrov/gattlink/gatt"
	"github.com/mpetrov/gattlink/internal/groutine"
	"github.com/mpetrov/gattlink/internal/ptyio"
)

const (
	DefaultReadBuffer  = 4096
	DefaultWriteBuffer = 4096
	defaultDialTimeout = 30 * time.Second
	writeTimeout       = 10 * time.Second
)

// Options configures a bridge session.
type Options struct {
	Address string // remote device address
	Service string // service UUID holding the characteristic pair
	RxChar  string // characteristic written with PTY input
	TxChar  string // characteristic whose notifications feed the PTY

	Symlink     string // optional stable path pointing at the PTY slave
	ReadBuffer  int    // PTY read ring size in bytes (0 = default)
	WriteBuffer int    // PTY write ring size in bytes (0 = default)

	DialTimeout time.Duration
	Logger      *logrus.Logger
}

// Bridge is a running PTY-to-link session.
type Bridge struct {
	logger  *logrus.Logger
	link    *gatt.Link
	pty     ptyio.PTY
	sub     *gatt.Subscription
	symlink string

	closeOnce sync.Once
	closeErr  error
}

// Run dials the device, wires the characteristic pair to a fresh PTY and
// returns the running bridge. The caller owns Close.
func Run(ctx context.Context, tr gatt.Transport, opts *Options) (*Bridge, error) {
	if opts == nil || opts.Address == "" {
		return nil, fmt.Errorf("device address is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	link, err := gatt.Dial(dialCtx, tr, opts.Address, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Address, err)
	}

	rx, err := link.Characteristic(opts.Service, opts.RxChar)
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	tx, err := link.Characteristic(opts.Service, opts.TxChar)
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	sub, err := tx.Subscribe(ctx)
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", opts.TxChar, err)
	}

	readBuffer := opts.ReadBuffer
	if readBuffer == 0 {
		readBuffer = DefaultReadBuffer
	}
	writeBuffer := opts.WriteBuffer
	if writeBuffer == 0 {
		writeBuffer = DefaultWriteBuffer
	}
	p, err := ptyio.New(readBuffer, writeBuffer, logger)
	if err != nil {
		_ = link.Close()
		return nil, err
	}

	b := &Bridge{
		logger: logger,
		link:   link,
		pty:    p,
		sub:    sub,
	}

	if opts.Symlink != "" {
		if err := os.Symlink(p.TTYName(), opts.Symlink); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.Symlink, p.TTYName(), err)
		}
		b.symlink = opts.Symlink
	}

	// Prefer unacknowledged writes for throughput when the device allows it.
	writeType := gatt.WriteDefault
	if rx.Properties().Has(gatt.PropWriteNoResponse) {
		writeType = gatt.WriteWithoutResponse
	}

	p.SetReadCallback(func(data []byte) {
		writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if _, err := rx.SplitWrite(writeCtx, data, writeType); err != nil {
			logger.WithFields(logrus.Fields{
				"address": opts.Address,
				"error":   err,
			}).Warn("Failed to forward PTY input to device")
		}
	})

	groutine.Go(ctx, "bridge-notify-"+opts.Address, func(context.Context) {
		for value := range sub.C() {
			if _, err := p.Write(value); err != nil {
				logger.WithError(err).Warn("Failed to forward notification to PTY")
				return
			}
		}
	})

	logger.WithFields(logrus.Fields{
		"address": opts.Address,
		"tty":     p.TTYName(),
		"symlink": b.symlink,
	}).Info("Bridge running")

	return b, nil
}

// TTYName returns the path of the PTY slave.
func (b *Bridge) TTYName() string { return b.pty.TTYName() }

// Symlink returns the configured symlink path, empty if none.
func (b *Bridge) Symlink() string { return b.symlink }

// Stats returns PTY throughput counters.
func (b *Bridge) Stats() ptyio.Stats { return b.pty.Stats() }

// Done is closed when the underlying link is torn down.
func (b *Bridge) Done() <-chan struct{} { return b.link.Done() }

// Close tears the session down: symlink first, then the PTY pumps, then the
// link. Idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		if b.symlink != "" {
			if err := os.Remove(b.symlink); err != nil {
				b.logger.WithError(err).WithField("symlink", b.symlink).Warn("Failed to remove tty symlink")
			}
		}
		b.pty.SetReadCallback(nil)
		if err := b.pty.Close(); err != nil {
			b.closeErr = err
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		_ = b.sub.Unsubscribe(ctx)
		if err := b.link.Close(); err != nil && b.closeErr == nil {
			b.closeErr = err
		}
	})
	return b.closeErr
}
