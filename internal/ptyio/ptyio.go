// Package ptyio wraps a pseudo-terminal master in non-blocking, ring-buffered
// I/O. Writers never block: when a buffer fills, the oldest bytes are dropped
// so live traffic wins over backlog. Background pump goroutines move bytes
// between the buffers and the PTY master.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/mpetrov/gattlink/internal/groutine"
)

// pollTimeoutMs bounds how long the pump goroutines wait for I/O readiness
// before re-checking for shutdown.
const pollTimeoutMs = 50

// ReadCallback receives data the slave side wrote. It runs on a background
// goroutine and must not retain the slice.
type ReadCallback func(data []byte)

// Stats are runtime counters for monitoring and backpressure decisions.
type Stats struct {
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
	DroppedReadBytes  uint64
	DroppedWriteBytes uint64
}

// PTY is a non-blocking pseudo-terminal handle. Write queues bytes for the
// slave side; Read drains what the slave side produced.
type PTY interface {
	io.ReadWriteCloser
	TTYName() string
	Stats() Stats
	SetReadCallback(cb ReadCallback)
}

type ringPTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	ttyName string

	writeBuf *ringbuffer.RingBuffer // bytes queued for the slave
	readBuf  *ringbuffer.RingBuffer // bytes produced by the slave

	readCb     atomic.Value // ReadCallback or nil
	readNotify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed uint32

	droppedRead  uint64
	droppedWrite uint64
	readBytes    uint64
	writeBytes   uint64
}

// New allocates a PTY pair, puts the slave into raw mode and starts the I/O
// pumps. readCap and writeCap size the two ring buffers in bytes.
func New(readCap, writeCap int, logger *logrus.Logger) (PTY, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if readCap <= 0 || writeCap <= 0 {
		return nil, fmt.Errorf("buffer capacities must be positive, got read=%d write=%d", readCap, writeCap)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty: %w", err)
	}

	// Raw mode: the bridge moves opaque bytes, the line discipline must not
	// echo or translate them.
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set raw mode on %s: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set non-blocking mode: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:     logger,
		master:     master,
		slave:      slave,
		ttyName:    slave.Name(),
		writeBuf:   ringbuffer.New(writeCap),
		readBuf:    ringbuffer.New(readCap),
		readNotify: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.wg.Add(3)
	groutine.Go(ctx, "ptyio-write-pump", func(ctx context.Context) {
		defer p.wg.Done()
		p.writePump(ctx)
	})
	groutine.Go(ctx, "ptyio-read-pump", func(ctx context.Context) {
		defer p.wg.Done()
		p.readPump(ctx)
	})
	groutine.Go(ctx, "ptyio-dispatch", func(ctx context.Context) {
		defer p.wg.Done()
		p.dispatch(ctx)
	})

	return p, nil
}

func (p *ringPTY) TTYName() string { return p.ttyName }

// Write queues data for the slave side. Never blocks; when the buffer is
// full the oldest queued bytes are discarded to make room.
func (p *ringPTY) Write(data []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if overflow := len(data) - p.writeBuf.Free(); overflow > 0 {
		discard := make([]byte, overflow)
		n, _ := p.writeBuf.Read(discard)
		atomic.AddUint64(&p.droppedWrite, uint64(n))
	}
	n, err := p.writeBuf.Write(data)
	return n, err
}

// Read drains bytes the slave side produced. Returns 0, nil when nothing is
// buffered.
func (p *ringPTY) Read(buf []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if p.readBuf.IsEmpty() {
		return 0, nil
	}
	return p.readBuf.Read(buf)
}

func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if cb == nil {
		p.readCb.Store(ReadCallback(nil))
		return
	}
	p.readCb.Store(cb)
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		ReadBytesTotal:    atomic.LoadUint64(&p.readBytes),
		WriteBytesTotal:   atomic.LoadUint64(&p.writeBytes),
		DroppedReadBytes:  atomic.LoadUint64(&p.droppedRead),
		DroppedWriteBytes: atomic.LoadUint64(&p.droppedWrite),
	}
}

func (p *ringPTY) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	slaveErr := p.slave.Close()
	masterErr := p.master.Close()
	if masterErr != nil {
		return masterErr
	}
	return slaveErr
}

// writePump moves queued bytes into the PTY master.
func (p *ringPTY) writePump(ctx context.Context) {
	pollFd := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	chunk := make([]byte, 1024)

	for ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			if !p.idle(ctx) {
				return
			}
			continue
		}
		n, _ := p.writeBuf.Read(chunk)
		offset := 0
		for offset < n && ctx.Err() == nil {
			written, err := p.master.Write(chunk[offset:n])
			offset += written
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
				if _, pollErr := unix.Poll(pollFd, pollTimeoutMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
					p.logger.WithError(pollErr).Error("PTY write poll failed")
					return
				}
			default:
				p.logger.WithError(err).Error("PTY write failed")
				return
			}
		}
		atomic.AddUint64(&p.writeBytes, uint64(offset))
	}
}

// readPump moves bytes from the PTY master into the read buffer and wakes
// the dispatcher.
func (p *ringPTY) readPump(ctx context.Context) {
	pollFd := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	chunk := make([]byte, 1024)

	for ctx.Err() == nil {
		nReady, err := unix.Poll(pollFd, pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Error("PTY read poll failed")
			return
		}
		if nReady == 0 {
			continue
		}

		n, err := p.master.Read(chunk)
		if n > 0 {
			if overflow := n - p.readBuf.Free(); overflow > 0 {
				discard := make([]byte, overflow)
				dropped, _ := p.readBuf.Read(discard)
				atomic.AddUint64(&p.droppedRead, uint64(dropped))
			}
			written, _ := p.readBuf.Write(chunk[:n])
			atomic.AddUint64(&p.readBytes, uint64(written))
			select {
			case p.readNotify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EWOULDBLOCK):
			case errors.Is(err, io.EOF):
				// Slave side closed; keep polling, it may reopen.
			default:
				p.logger.WithError(err).Error("PTY read failed")
				return
			}
		}
	}
}

// dispatch hands buffered slave output to the registered callback.
func (p *ringPTY) dispatch(ctx context.Context) {
	chunk := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.readNotify:
		}

		for !p.readBuf.IsEmpty() {
			cb, _ := p.readCb.Load().(ReadCallback)
			if cb == nil {
				// No consumer registered; leave the data for Read().
				break
			}
			n, _ := p.readBuf.Read(chunk)
			if n > 0 {
				p.invoke(cb, chunk[:n])
			}
		}
	}
}

// invoke guards the callback: a panicking consumer is unregistered instead
// of taking the pump down.
func (p *ringPTY) invoke(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("PTY read callback panicked, unregistering")
			p.readCb.Store(ReadCallback(nil))
		}
	}()
	cb(data)
}

// idle waits for the poll interval or shutdown. Returns false on shutdown.
func (p *ringPTY) idle(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(pollTimeoutMs * time.Millisecond):
		return true
	}
}
