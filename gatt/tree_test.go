package gatt_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mpetrov/gattlink/gatt"
)

type TreeTestSuite struct {
	LinkTestSuite
}

func TestTreeSuite(t *testing.T) {
	suite.Run(t, new(TreeTestSuite))
}

func (suite *TreeTestSuite) TestServiceLookup() {
	// GOAL: Verify service lookup by UUID in any accepted format
	//
	// TEST SCENARIO: Short, uppercase and full base-UUID forms → same service

	short, err := suite.link.Service("180f")
	suite.Require().NoError(err, "short form MUST resolve")
	upper, err := suite.link.Service("180F")
	suite.Require().NoError(err, "uppercase MUST resolve")
	full, err := suite.link.Service("0000180f-0000-1000-8000-00805f9b34fb")
	suite.Require().NoError(err, "full base-UUID form MUST resolve")

	suite.Assert().Same(short, upper, "all forms MUST resolve to the same service")
	suite.Assert().Same(short, full, "all forms MUST resolve to the same service")
}

func (suite *TreeTestSuite) TestServiceNotFound() {
	svc, err := suite.link.Service("ffff")

	suite.Assert().Nil(svc, "service MUST be nil")
	var notFoundErr *gatt.NotFoundError
	suite.Require().ErrorAs(err, &notFoundErr, "error MUST be NotFoundError")
	suite.Assert().Equal("service", notFoundErr.Resource, "resource MUST be 'service'")
	suite.Assert().Equal([]string{"ffff"}, notFoundErr.UUIDs, "UUIDs MUST carry the lookup key")
	suite.Assert().Equal(`service "ffff" not found`, err.Error(), "message MUST describe the failure")
}

func (suite *TreeTestSuite) TestCharacteristicNotFoundInService() {
	ch, err := suite.link.Characteristic("180f", "2a37")

	suite.Assert().Nil(ch, "characteristic MUST be nil")
	var notFoundErr *gatt.NotFoundError
	suite.Require().ErrorAs(err, &notFoundErr, "error MUST be NotFoundError")
	suite.Assert().Equal("characteristic", notFoundErr.Resource, "resource MUST be 'characteristic'")
	suite.Assert().Equal([]string{"180f", "2a37"}, notFoundErr.UUIDs, "UUIDs MUST carry service then characteristic")
}

func (suite *TreeTestSuite) TestInstanceDisambiguation() {
	// GOAL: Verify duplicate UUIDs in one service stay addressable through
	// their instance numbers
	//
	// TEST SCENARIO: Two sibling characteristics with the same UUID → UUID
	// lookup returns the first → instance lookup reaches both

	env, err := suite.link.Service(envSvc)
	suite.Require().NoError(err)

	byUUID, err := env.Characteristic(tempChar)
	suite.Require().NoError(err, "UUID lookup MUST return a characteristic")
	suite.Assert().Equal(temp0ID, byUUID.ID(), "UUID lookup MUST return the first instance")

	first, err := env.CharacteristicAt(temp0ID)
	suite.Require().NoError(err, "instance 0 MUST be addressable")
	second, err := env.CharacteristicAt(temp1ID)
	suite.Require().NoError(err, "instance 1 MUST be addressable")

	suite.Assert().NotSame(first, second, "instances MUST be distinct entities")
	suite.Assert().Equal(first.UUID(), second.UUID(), "instances MUST share the UUID")
}

func (suite *TreeTestSuite) TestDiscoveryOrderPreserved() {
	svc, err := suite.link.Service(heartSvc)
	suite.Require().NoError(err)

	chars := svc.Characteristics()
	suite.Require().Len(chars, 2, "MUST return every characteristic")
	suite.Assert().Equal("2a37", chars[0].UUID(), "discovery order MUST be preserved")
	suite.Assert().Equal("2a39", chars[1].UUID(), "discovery order MUST be preserved")
}

func (suite *TreeTestSuite) TestKnownNames() {
	// GOAL: Verify well-known SIG UUIDs resolve to their assigned names
	//
	// TEST SCENARIO: Battery service fixture → assigned names populated →
	// vendor UUID resolves to NUS name

	battery, err := suite.link.Service(batterySvc)
	suite.Require().NoError(err)
	suite.Assert().Equal("Battery Service", battery.KnownName(), "service name MUST resolve")

	level, err := battery.Characteristic(batteryLevelChar)
	suite.Require().NoError(err)
	suite.Assert().Equal("Battery Level", level.KnownName(), "characteristic name MUST resolve")

	cccd, err := level.Descriptor(gatt.CCCDUUID)
	suite.Require().NoError(err)
	suite.Assert().Equal("Client Characteristic Configuration", cccd.KnownName(), "descriptor name MUST resolve")

	nus, err := suite.link.Service(nusSvc)
	suite.Require().NoError(err)
	suite.Assert().Equal("Nordic UART Service", nus.KnownName(), "vendor UUID MUST resolve")
}

func (suite *TreeTestSuite) TestPropertiesExposed() {
	level := suite.char(batterySvc, batteryLevelChar)

	suite.Assert().True(level.Properties().Has(gatt.PropRead), "declared read MUST be exposed")
	suite.Assert().True(level.Properties().Has(gatt.PropNotify), "declared notify MUST be exposed")
	suite.Assert().False(level.Properties().Has(gatt.PropWrite), "undeclared write MUST NOT be exposed")
	suite.Assert().Equal("read|notify", level.Properties().String(), "mask MUST render its names")
}

func (suite *TreeTestSuite) TestDescriptorNavigation() {
	level := suite.char(batterySvc, batteryLevelChar)

	descriptors := level.Descriptors()
	suite.Require().Len(descriptors, 1, "fixture CCCD MUST be discovered")
	suite.Assert().Equal(gatt.CCCDUUID, descriptors[0].UUID(), "descriptor UUID MUST match")
	suite.Assert().Same(level, descriptors[0].Characteristic(), "descriptor MUST point back to its characteristic")

	missing, err := level.Descriptor("2901")
	suite.Assert().Nil(missing, "missing descriptor MUST be nil")
	var notFoundErr *gatt.NotFoundError
	suite.Assert().ErrorAs(err, &notFoundErr, "error MUST be NotFoundError")
}
