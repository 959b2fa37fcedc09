package gatt_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/mpetrov/gattlink/gatt"
	"github.com/mpetrov/gattlink/internal/testutils"
)

type FragmentTestSuite struct {
	LinkTestSuite
}

func TestFragmentSuite(t *testing.T) {
	suite.Run(t, new(FragmentTestSuite))
}

// writtenChunks extracts the payloads of the write requests for target, in
// submission order.
func writtenChunks(fake *testutils.FakeLink, target gatt.AttrID) [][]byte {
	var chunks [][]byte
	for _, req := range fake.Submitted() {
		if req.Kind == gatt.RequestWrite && req.Target == target {
			chunks = append(chunks, req.Value)
		}
	}
	return chunks
}

func (suite *FragmentTestSuite) TestSplitWriteExactChunks() {
	// GOAL: Verify a payload of exactly N chunk sizes issues exactly N
	// sequential writes that reassemble to the original
	//
	// TEST SCENARIO: Payload of 3x chunk size at default MTU → 3 writes of
	// chunk size each → concatenation equals the payload

	rx := suite.char(nusSvc, nusRxChar)
	chunkSize := suite.link.ChunkSize()
	suite.Require().Equal(gatt.DefaultMTU-3, chunkSize, "default MTU MUST yield 20-byte chunks")

	payload := bytes.Repeat([]byte{0xab}, 3*chunkSize)

	ctx, cancel := testCtx()
	defer cancel()
	completed, err := rx.SplitWrite(ctx, payload, gatt.WriteDefault)

	suite.Require().NoError(err, "split write MUST succeed")
	suite.Assert().Equal(3, completed, "payload of 3x chunk size MUST complete in exactly 3 chunks")

	chunks := writtenChunks(suite.fake, nusRxID)
	suite.Require().Len(chunks, 3, "exactly 3 writes MUST reach the transport")
	var reassembled []byte
	for _, chunk := range chunks {
		suite.Assert().Len(chunk, chunkSize, "every chunk MUST fill the MTU budget")
		reassembled = append(reassembled, chunk...)
	}
	suite.Assert().Equal(payload, reassembled, "chunks MUST reassemble to the payload in order")
}

func (suite *FragmentTestSuite) TestSplitWriteRemainder() {
	// GOAL: Verify the final chunk carries the remainder
	//
	// TEST SCENARIO: 45-byte payload with 20-byte chunks → 20, 20, 5

	rx := suite.char(nusSvc, nusRxChar)

	ctx, cancel := testCtx()
	defer cancel()
	completed, err := rx.SplitWrite(ctx, bytes.Repeat([]byte{0x11}, 45), gatt.WriteDefault)

	suite.Require().NoError(err, "split write MUST succeed")
	suite.Assert().Equal(3, completed, "45 bytes MUST complete in 3 chunks")

	chunks := writtenChunks(suite.fake, nusRxID)
	suite.Require().Len(chunks, 3)
	suite.Assert().Len(chunks[0], 20, "full chunks MUST come first")
	suite.Assert().Len(chunks[1], 20, "full chunks MUST come first")
	suite.Assert().Len(chunks[2], 5, "final chunk MUST carry the remainder")
}

func (suite *FragmentTestSuite) TestSplitWriteUsesNegotiatedMTU() {
	// GOAL: Verify chunking follows the announced MTU rather than the ATT
	// default
	//
	// TEST SCENARIO: Device announces MTU 50 → 60-byte payload → 2 chunks of
	// 47 and 13

	link, fake := suite.dialFake(func(fake *testutils.FakeLink) {
		fake.WithMTU(50)
	})
	defer link.Close()
	suite.Require().Eventually(func() bool { return link.MTU() == 50 },
		eventuallyTimeout, eventuallyTick, "link MUST adopt the announced MTU")

	rx, err := link.Characteristic(nusSvc, nusRxChar)
	suite.Require().NoError(err)

	ctx, cancel := testCtx()
	defer cancel()
	completed, err := rx.SplitWrite(ctx, bytes.Repeat([]byte{0x22}, 60), gatt.WriteDefault)

	suite.Require().NoError(err, "split write MUST succeed")
	suite.Assert().Equal(2, completed, "60 bytes at MTU 50 MUST complete in 2 chunks")

	chunks := writtenChunks(fake, nusRxID)
	suite.Require().Len(chunks, 2)
	suite.Assert().Len(chunks[0], 47, "chunk size MUST be MTU minus ATT overhead")
	suite.Assert().Len(chunks[1], 13, "final chunk MUST carry the remainder")
}

func (suite *FragmentTestSuite) TestSplitWriteStopsOnChunkFailure() {
	// GOAL: Verify a mid-sequence failure stops the fragmenter and reports
	// how much completed; no rollback is attempted
	//
	// TEST SCENARIO: Second chunk fails → error surfaces with completed
	// count 1 → third chunk never submitted

	rx := suite.char(nusSvc, nusRxChar)
	suite.fake.FailAfter(nusRxID, 1, gatt.StatusWriteNotPermitted)

	ctx, cancel := testCtx()
	defer cancel()
	completed, err := rx.SplitWrite(ctx, bytes.Repeat([]byte{0x33}, 60), gatt.WriteDefault)

	suite.Require().Error(err, "split write MUST fail")
	var opErr *gatt.OperationError
	suite.Require().ErrorAs(err, &opErr, "cause MUST be the chunk's OperationError")
	suite.Assert().Equal(gatt.StatusWriteNotPermitted, opErr.Status, "status MUST be preserved")
	suite.Assert().Equal(1, completed, "only the first chunk MUST count as completed")
	suite.Assert().Equal(2, suite.fake.CountSubmitted(gatt.RequestWrite, nusRxID),
		"the failed chunk MUST be the last one submitted")
}

func (suite *FragmentTestSuite) TestSplitWriteEmptyPayload() {
	rx := suite.char(nusSvc, nusRxChar)

	ctx, cancel := testCtx()
	defer cancel()
	completed, err := rx.SplitWrite(ctx, nil, gatt.WriteDefault)

	suite.Require().NoError(err, "empty split write MUST succeed")
	suite.Assert().Equal(1, completed, "empty payload MUST still issue one write")
	suite.Assert().Equal(1, suite.fake.CountSubmitted(gatt.RequestWrite, nusRxID),
		"exactly one empty write MUST reach the transport")
}

func (suite *FragmentTestSuite) TestSplitWriteCapabilityCheckedOnce() {
	// GOAL: Verify the capability check happens once, before the first chunk
	//
	// TEST SCENARIO: Split write on a read-only characteristic →
	// CapabilityError → no transport traffic

	readOnly := suite.char(batterySvc, batteryLevelChar)

	ctx, cancel := testCtx()
	defer cancel()
	completed, err := readOnly.SplitWrite(ctx, bytes.Repeat([]byte{0x44}, 60), gatt.WriteDefault)

	var capErr *gatt.CapabilityError
	suite.Require().ErrorAs(err, &capErr, "error MUST be CapabilityError")
	suite.Assert().Equal(0, completed, "no chunk MUST count as completed")
	suite.Assert().Equal(0, suite.fake.CountSubmitted(gatt.RequestWrite, batteryID),
		"capability failure MUST NOT reach the transport")
}
