package gatt_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mpetrov/gattlink/gatt"
)

type response struct {
	central string
	target  gatt.AttrID
	status  gatt.Status
	value   []byte
}

// recordingResponder captures every response the registry sends back.
type recordingResponder struct {
	mu        sync.Mutex
	responses []response
}

func (r *recordingResponder) Respond(central string, target gatt.AttrID, status gatt.Status, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{central, target, status, append([]byte(nil), value...)})
	return nil
}

func (r *recordingResponder) all() []response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]response(nil), r.responses...)
}

func (r *recordingResponder) last() (response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) == 0 {
		return response{}, false
	}
	return r.responses[len(r.responses)-1], true
}

var (
	srvValueID    = gatt.AttrID{UUID: "2a19", Instance: 0} // read|write
	srvNameID     = gatt.AttrID{UUID: "2a00", Instance: 0} // read only
	srvControlID  = gatt.AttrID{UUID: "2a39", Instance: 0} // write only
	srvCCCDID     = gatt.AttrID{UUID: "2902", Instance: 0}
	srvMissingID  = gatt.AttrID{UUID: "ffff", Instance: 0}
	initialValue  = []byte{0x64}
	initialDevice = []byte("gattlink")
)

func serverTemplate() []gatt.ServiceDef {
	return []gatt.ServiceDef{
		{UUID: "1800", Characteristics: []gatt.CharacteristicDef{
			{UUID: "2a00", Permissions: gatt.PermRead, Value: initialDevice},
		}},
		{UUID: "180f", Characteristics: []gatt.CharacteristicDef{
			{
				UUID:        "2a19",
				Permissions: gatt.PermRead | gatt.PermWrite,
				Value:       initialValue,
				Descriptors: []gatt.DescriptorDef{{UUID: gatt.CCCDUUID, Instance: 0}},
			},
		}},
		{UUID: "180d", Characteristics: []gatt.CharacteristicDef{
			{UUID: "2a39", Permissions: gatt.PermWrite},
		}},
	}
}

type RegistryTestSuite struct {
	suite.Suite

	responder *recordingResponder
	registry  *gatt.Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.responder = &recordingResponder{}
	suite.registry = gatt.NewRegistry(serverTemplate(), suite.responder, newTestLogger())
}

func (suite *RegistryTestSuite) read(central string, target gatt.AttrID) {
	suite.registry.Forward(gatt.CentralEvent{Central: central, Kind: gatt.CentralRead, Target: target})
}

func (suite *RegistryTestSuite) write(central string, target gatt.AttrID, value []byte) {
	suite.registry.Forward(gatt.CentralEvent{Central: central, Kind: gatt.CentralWrite, Target: target, Value: value})
}

func (suite *RegistryTestSuite) TestPerCentralIsolation() {
	// GOAL: Verify every connected central sees its own copy of the service
	// template
	//
	// TEST SCENARIO: Two centrals connect → one writes a characteristic →
	// the other still reads the template value

	suite.registry.HandleConnect("AA:01")
	suite.registry.HandleConnect("BB:02")
	suite.Require().Equal(2, suite.registry.Len(), "both centrals MUST be registered")

	suite.write("AA:01", srvValueID, []byte{0x10})
	suite.read("BB:02", srvValueID)

	last, ok := suite.responder.last()
	suite.Require().True(ok, "read MUST produce a response")
	suite.Assert().Equal("BB:02", last.central, "response MUST target the reading central")
	suite.Assert().Equal(gatt.StatusSuccess, last.status, "read MUST succeed")
	suite.Assert().Equal(initialValue, last.value, "second central MUST NOT see the first central's write")

	suite.read("AA:01", srvValueID)
	last, _ = suite.responder.last()
	suite.Assert().Equal([]byte{0x10}, last.value, "writing central MUST read back its own value")
}

func (suite *RegistryTestSuite) TestUnknownCentralDropped() {
	// GOAL: Verify events from unregistered centrals are dropped without
	// touching any connection state
	//
	// TEST SCENARIO: Request from a never-connected central → no response →
	// registry unchanged

	suite.registry.HandleConnect("AA:01")

	suite.read("CC:03", srvValueID)
	suite.write("CC:03", srvValueID, []byte{0x99})

	suite.Assert().Empty(suite.responder.all(), "unknown centrals MUST NOT receive responses")
	suite.Assert().Equal(1, suite.registry.Len(), "registry MUST be unchanged")

	suite.read("AA:01", srvValueID)
	last, ok := suite.responder.last()
	suite.Require().True(ok)
	suite.Assert().Equal(initialValue, last.value, "unknown central's write MUST NOT reach any tree")
}

func (suite *RegistryTestSuite) TestPermissionChecks() {
	// GOAL: Verify server-side permission masks map to ATT statuses
	//
	// TEST SCENARIO: Read a write-only attribute, write a read-only one,
	// address a missing one → read-not-permitted, write-not-permitted,
	// attribute-not-found

	suite.registry.HandleConnect("AA:01")

	suite.read("AA:01", srvControlID)
	last, _ := suite.responder.last()
	suite.Assert().Equal(gatt.StatusReadNotPermitted, last.status, "read of write-only attribute MUST be rejected")

	suite.write("AA:01", srvNameID, []byte("x"))
	last, _ = suite.responder.last()
	suite.Assert().Equal(gatt.StatusWriteNotPermitted, last.status, "write of read-only attribute MUST be rejected")

	suite.read("AA:01", srvMissingID)
	last, _ = suite.responder.last()
	suite.Assert().Equal(gatt.StatusAttributeNotFound, last.status, "missing attribute MUST be reported")
}

func (suite *RegistryTestSuite) TestWriteCommandGetsNoResponse() {
	// GOAL: Verify unacknowledged write commands never produce a response,
	// success or failure
	//
	// TEST SCENARIO: Write command to a valid and to a read-only attribute →
	// value applied → zero responses

	conn := suite.registry.HandleConnect("AA:01")

	suite.registry.Forward(gatt.CentralEvent{
		Central: "AA:01", Kind: gatt.CentralWrite, Target: srvValueID,
		Value: []byte{0x33}, NoResponse: true,
	})
	suite.registry.Forward(gatt.CentralEvent{
		Central: "AA:01", Kind: gatt.CentralWrite, Target: srvNameID,
		Value: []byte{0x33}, NoResponse: true,
	})

	suite.Assert().Empty(suite.responder.all(), "write commands MUST NOT be answered")

	svc, err := conn.Tree().Service("180f")
	suite.Require().NoError(err)
	ch, err := svc.CharacteristicAt(srvValueID)
	suite.Require().NoError(err)
	suite.Assert().Equal([]byte{0x33}, ch.Value(), "accepted write command MUST still apply the value")
}

func (suite *RegistryTestSuite) TestDescriptorStatePerCentral() {
	// GOAL: Verify descriptor state (e.g. CCCD) is tracked per connection
	//
	// TEST SCENARIO: One central enables notifications → the other reads an
	// untouched CCCD

	suite.registry.HandleConnect("AA:01")
	suite.registry.HandleConnect("BB:02")

	suite.write("AA:01", srvCCCDID, []byte{0x01, 0x00})
	suite.read("BB:02", srvCCCDID)

	last, _ := suite.responder.last()
	suite.Assert().Equal("BB:02", last.central)
	suite.Assert().Empty(last.value, "second central's CCCD MUST be untouched")

	suite.read("AA:01", srvCCCDID)
	last, _ = suite.responder.last()
	suite.Assert().Equal([]byte{0x01, 0x00}, last.value, "first central MUST read back its own CCCD")
}

func (suite *RegistryTestSuite) TestDisconnectDiscardsState() {
	// GOAL: Verify disconnect removes the central and a reconnect starts from
	// a fresh template clone
	//
	// TEST SCENARIO: Write, disconnect, request dropped, reconnect → template
	// value restored

	suite.registry.HandleConnect("AA:01")
	suite.write("AA:01", srvValueID, []byte{0x10})

	suite.registry.HandleDisconnect("AA:01")
	suite.Assert().Equal(0, suite.registry.Len(), "disconnect MUST remove the central")

	before := len(suite.responder.all())
	suite.read("AA:01", srvValueID)
	suite.Assert().Len(suite.responder.all(), before, "requests after disconnect MUST be dropped")

	suite.registry.HandleConnect("AA:01")
	suite.read("AA:01", srvValueID)
	last, _ := suite.responder.last()
	suite.Assert().Equal(initialValue, last.value, "reconnect MUST start from the template value")
}

func (suite *RegistryTestSuite) TestWriteObserver() {
	// GOAL: Verify accepted writes are reported to the registered observer
	//
	// TEST SCENARIO: Observer registered → accepted and rejected writes →
	// only the accepted one observed

	type observed struct {
		central string
		target  gatt.AttrID
		value   []byte
	}
	var mu sync.Mutex
	var seen []observed
	suite.registry.SetWriteObserver(func(central string, target gatt.AttrID, value []byte) {
		mu.Lock()
		seen = append(seen, observed{central, target, value})
		mu.Unlock()
	})

	suite.registry.HandleConnect("AA:01")
	suite.write("AA:01", srvValueID, []byte{0x55})
	suite.write("AA:01", srvNameID, []byte{0x55}) // rejected: read only

	mu.Lock()
	defer mu.Unlock()
	suite.Require().Len(seen, 1, "only accepted writes MUST be observed")
	suite.Assert().Equal("AA:01", seen[0].central)
	suite.Assert().Equal(srvValueID, seen[0].target)
	suite.Assert().Equal([]byte{0x55}, seen[0].value)
}
