package gatt_test

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/mpetrov/gattlink/gatt"
	"github.com/mpetrov/gattlink/internal/testutils"
)

const (
	batterySvc       = "180f"
	batteryLevelChar = "2a19" // read|notify, CCCD, seeded value 0x64

	heartSvc      = "180d"
	hrMeasureChar = "2a37" // indicate only, CCCD
	hrControlChar = "2a39" // write only, no descriptors

	envSvc   = "181a"
	tempChar = "2a6e" // two sibling instances, read only

	nusSvc    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRxChar = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // write|write-no-response
	nusTxChar = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // notify but no CCCD
)

var (
	batteryID   = gatt.AttrID{UUID: "2a19", Instance: 0}
	batteryCCCD = gatt.AttrID{UUID: "2902", Instance: 0}
	hrCCCD      = gatt.AttrID{UUID: "2902", Instance: 1}
	temp0ID     = gatt.AttrID{UUID: "2a6e", Instance: 0}
	temp1ID     = gatt.AttrID{UUID: "2a6e", Instance: 1}
	nusRxID     = gatt.AttrID{UUID: gatt.NormalizeUUID(nusRxChar), Instance: 0}
)

// fixtureServices is the discovery result every link suite dials against.
// Descriptor instance numbers are unique across the tree, the way a real
// transport assigns them.
func fixtureServices() []gatt.ServiceDef {
	return []gatt.ServiceDef{
		{UUID: batterySvc, Characteristics: []gatt.CharacteristicDef{
			{
				UUID:        batteryLevelChar,
				Properties:  gatt.PropRead | gatt.PropNotify,
				Descriptors: []gatt.DescriptorDef{{UUID: gatt.CCCDUUID, Instance: 0}},
			},
		}},
		{UUID: heartSvc, Characteristics: []gatt.CharacteristicDef{
			{
				UUID:        hrMeasureChar,
				Properties:  gatt.PropIndicate,
				Descriptors: []gatt.DescriptorDef{{UUID: gatt.CCCDUUID, Instance: 1}},
			},
			{UUID: hrControlChar, Properties: gatt.PropWrite},
		}},
		{UUID: envSvc, Characteristics: []gatt.CharacteristicDef{
			{UUID: tempChar, Instance: 0, Properties: gatt.PropRead},
			{UUID: tempChar, Instance: 1, Properties: gatt.PropRead},
		}},
		{UUID: nusSvc, Characteristics: []gatt.CharacteristicDef{
			{UUID: nusRxChar, Properties: gatt.PropWrite | gatt.PropWriteNoResponse},
			{UUID: nusTxChar, Properties: gatt.PropNotify},
		}},
	}
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// LinkTestSuite dials a fresh fake device before every test. Suites that need
// a live link embed it.
type LinkTestSuite struct {
	suite.Suite

	transport *testutils.FakeTransport
	fake      *testutils.FakeLink
	link      *gatt.Link
}

func (suite *LinkTestSuite) SetupTest() {
	suite.transport = testutils.NewFakeTransport()
	addr := testutils.RandomAddr()
	suite.fake = suite.transport.Provision(addr).WithServices(fixtureServices()...)
	suite.fake.SetValue(batteryID, []byte{0x64})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	link, err := gatt.Dial(ctx, suite.transport, addr, newTestLogger())
	suite.Require().NoError(err, "dial MUST succeed")
	suite.link = link
}

func (suite *LinkTestSuite) TearDownTest() {
	if suite.link != nil {
		_ = suite.link.Close()
	}
}

// dialFake provisions a second scripted device and dials it.
func (suite *LinkTestSuite) dialFake(script func(*testutils.FakeLink)) (*gatt.Link, *testutils.FakeLink) {
	addr := testutils.RandomAddr()
	fake := suite.transport.Provision(addr).WithServices(fixtureServices()...)
	if script != nil {
		script(fake)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	link, err := gatt.Dial(ctx, suite.transport, addr, newTestLogger())
	suite.Require().NoError(err, "dial MUST succeed")
	return link, fake
}

func (suite *LinkTestSuite) char(svcUUID, charUUID string) *gatt.Characteristic {
	ch, err := suite.link.Characteristic(svcUUID, charUUID)
	suite.Require().NoError(err, "fixture characteristic MUST exist")
	return ch
}

func testCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

const (
	eventuallyTimeout = time.Second
	eventuallyTick    = 5 * time.Millisecond
)
