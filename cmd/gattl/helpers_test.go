package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mpetrov/gattlink/gatt"
)

type HelpersTestSuite struct {
	suite.Suite
}

func TestHelpersSuite(t *testing.T) {
	suite.Run(t, new(HelpersTestSuite))
}

func (suite *HelpersTestSuite) TestFormatVersion() {
	suite.Assert().Equal("v1.2.3", formatVersion("1.2.3"), "numeric versions MUST get a v prefix")
	suite.Assert().Equal("dev", formatVersion("dev"), "non-numeric versions MUST pass through")
	suite.Assert().Equal("", formatVersion(""), "empty version MUST pass through")
}

func (suite *HelpersTestSuite) TestParseCSVUUIDs() {
	suite.Assert().Equal([]string{"2a37", "2a19"}, parseCSVUUIDs("2a37, 2a19"))
	suite.Assert().Equal([]string{"2a37"}, parseCSVUUIDs("2a37,,"))
	suite.Assert().Nil(parseCSVUUIDs(""))
}

func (suite *HelpersTestSuite) TestParseWriteDataHex() {
	// GOAL: Verify hex input tolerates common separator styles

	writeHex = true
	defer func() { writeHex = false }()

	for _, input := range []string{"FF01", "ff:01", "ff-01", "0xff01", "FF 01"} {
		data, err := parseWriteData(input)
		suite.Require().NoError(err, "input %q MUST parse", input)
		suite.Assert().Equal([]byte{0xff, 0x01}, data, "input %q MUST decode to the same bytes", input)
	}

	_, err := parseWriteData("zz")
	suite.Assert().Error(err, "invalid hex MUST be rejected")
}

func (suite *HelpersTestSuite) TestParseWriteDataRaw() {
	data, err := parseWriteData("high")
	suite.Require().NoError(err)
	suite.Assert().Equal([]byte("high"), data, "raw mode MUST pass bytes through")
}

func (suite *HelpersTestSuite) TestFormatUserError() {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "not found gets a hint",
			err:  &gatt.NotFoundError{Resource: "service", UUIDs: []string{"180f"}},
			want: `service "180f" not found (use 'gattl inspect' to list the device's attributes)`,
		},
		{
			name: "link lost is humanized",
			err:  gatt.ErrLinkLost,
			want: "connection to the device was lost",
		},
		{
			name: "operation error names the status",
			err:  &gatt.OperationError{Kind: gatt.RequestRead, Status: gatt.StatusReadNotPermitted},
			want: "device rejected read: read not permitted",
		},
		{
			name: "unknown errors pass through",
			err:  errors.New("boom"),
			want: "boom",
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.Assert().Equal(tt.want, FormatUserError(tt.err))
		})
	}
}
