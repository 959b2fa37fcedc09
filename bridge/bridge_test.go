package bridge_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/mpetrov/gattlink/bridge"
	"github.com/mpetrov/gattlink/gatt"
	"github.com/mpetrov/gattlink/internal/testutils"
)

const (
	uartSvc = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	rxChar  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	txChar  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

var (
	rxID = gatt.AttrID{UUID: gatt.NormalizeUUID(rxChar), Instance: 0}
	txID = gatt.AttrID{UUID: gatt.NormalizeUUID(txChar), Instance: 0}
)

func uartServices() []gatt.ServiceDef {
	return []gatt.ServiceDef{
		{UUID: uartSvc, Characteristics: []gatt.CharacteristicDef{
			{UUID: rxChar, Properties: gatt.PropWrite | gatt.PropWriteNoResponse},
			{
				UUID:        txChar,
				Properties:  gatt.PropNotify,
				Descriptors: []gatt.DescriptorDef{{UUID: gatt.CCCDUUID, Instance: 0}},
			},
		}},
	}
}

type BridgeTestSuite struct {
	suite.Suite

	transport *testutils.FakeTransport
	fake      *testutils.FakeLink
	addr      string
	bridge    *bridge.Bridge
}

func TestBridgeSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func (suite *BridgeTestSuite) SetupTest() {
	suite.transport = testutils.NewFakeTransport()
	suite.addr = testutils.RandomAddr()
	suite.fake = suite.transport.Provision(suite.addr).WithServices(uartServices()...)
}

func (suite *BridgeTestSuite) TearDownTest() {
	if suite.bridge != nil {
		_ = suite.bridge.Close()
		suite.bridge = nil
	}
}

func (suite *BridgeTestSuite) run(opts *bridge.Options) *bridge.Bridge {
	if opts == nil {
		opts = &bridge.Options{}
	}
	opts.Address = suite.addr
	opts.Service = uartSvc
	opts.RxChar = rxChar
	opts.TxChar = txChar
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logger
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := bridge.Run(ctx, suite.transport, opts)
	suite.Require().NoError(err, "bridge MUST start")
	suite.bridge = b
	return b
}

func (suite *BridgeTestSuite) TestRunSubscribesAndAllocatesPTY() {
	// GOAL: Verify startup wires the notification stream and exposes a PTY
	//
	// TEST SCENARIO: Bridge started → CCCD enabled exactly once → TTY path
	// present

	b := suite.run(nil)

	suite.Assert().NotEmpty(b.TTYName(), "bridge MUST expose a TTY path")
	suite.Assert().Equal(1, suite.fake.CountSubmitted(gatt.RequestDescriptorWrite, gatt.AttrID{UUID: "2902", Instance: 0}),
		"bridge MUST enable notifications once")
}

func (suite *BridgeTestSuite) TestNotificationsReachPTY() {
	// GOAL: Verify device notifications are played back into the PTY slave
	//
	// TEST SCENARIO: Notification emitted → bytes readable from the TTY

	b := suite.run(nil)

	tty, err := os.OpenFile(b.TTYName(), os.O_RDWR, 0)
	suite.Require().NoError(err, "TTY MUST be openable")
	defer tty.Close()

	suite.fake.Notify(txID, []byte("hello"))

	suite.Require().NoError(tty.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := tty.Read(buf)
	suite.Require().NoError(err, "TTY read MUST succeed")
	suite.Assert().Equal("hello", string(buf[:n]), "notification payload MUST reach the PTY")
}

func (suite *BridgeTestSuite) TestPTYInputReachesDevice() {
	// GOAL: Verify bytes written to the TTY are forwarded to the RX
	// characteristic, preferring unacknowledged writes
	//
	// TEST SCENARIO: Write to TTY → write-no-response submitted with the
	// payload

	b := suite.run(nil)

	tty, err := os.OpenFile(b.TTYName(), os.O_RDWR, 0)
	suite.Require().NoError(err, "TTY MUST be openable")
	defer tty.Close()

	_, err = tty.Write([]byte("ping"))
	suite.Require().NoError(err, "TTY write MUST succeed")

	suite.Require().Eventually(func() bool {
		return suite.fake.CountSubmitted(gatt.RequestWriteNoResponse, rxID) > 0
	}, 2*time.Second, 10*time.Millisecond, "PTY input MUST reach the device")

	var payload []byte
	for _, req := range suite.fake.Submitted() {
		if req.Kind == gatt.RequestWriteNoResponse && req.Target == rxID {
			payload = append(payload, req.Value...)
		}
	}
	suite.Assert().Equal([]byte("ping"), payload, "forwarded payload MUST match the TTY input")
}

func (suite *BridgeTestSuite) TestSymlinkLifecycle() {
	// GOAL: Verify the optional symlink points at the TTY and is removed on
	// close

	link := filepath.Join(suite.T().TempDir(), "uart")
	b := suite.run(&bridge.Options{Symlink: link})

	target, err := os.Readlink(link)
	suite.Require().NoError(err, "symlink MUST exist while running")
	suite.Assert().Equal(b.TTYName(), target, "symlink MUST point at the TTY")

	suite.Require().NoError(b.Close(), "close MUST succeed")
	suite.bridge = nil

	_, err = os.Lstat(link)
	suite.Assert().True(os.IsNotExist(err), "symlink MUST be removed on close")
}

func (suite *BridgeTestSuite) TestCloseIdempotent() {
	b := suite.run(nil)

	suite.Assert().NoError(b.Close(), "first close MUST succeed")
	suite.Assert().NoError(b.Close(), "second close MUST be a no-op")
	suite.bridge = nil
}

func (suite *BridgeTestSuite) TestMissingCharacteristicFailsStartup() {
	// GOAL: Verify a device without the characteristic pair is rejected at
	// startup

	addr := testutils.RandomAddr()
	suite.transport.Provision(addr).WithServices(gatt.ServiceDef{UUID: "180f"})

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := bridge.Run(ctx, suite.transport, &bridge.Options{
		Address: addr,
		Service: uartSvc,
		RxChar:  rxChar,
		TxChar:  txChar,
		Logger:  logger,
	})

	var notFoundErr *gatt.NotFoundError
	suite.Assert().ErrorAs(err, &notFoundErr, "startup MUST fail with NotFoundError")
}
