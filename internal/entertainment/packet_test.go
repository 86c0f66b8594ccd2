package entertainment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huestage/artnethue-bridge/internal/channelmap"
)

const testUUID = "11111111-2222-3333-4444-555555555555"

func TestEncode_Length(t *testing.T) {
	updates := []channelmap.ColorUpdate{
		{ChannelID: 0, R: 1, G: 2, B: 3},
		{ChannelID: 1, R: 4, G: 5, B: 6},
	}
	packet, err := Encode(testUUID, updates)
	require.NoError(t, err)
	assert.Len(t, packet, 52+7*len(updates))
	assert.Equal(t, "HueStream", string(packet[0:9]))
}

func TestEncode_RejectsBadUUIDLength(t *testing.T) {
	_, err := Encode("too-short", nil)
	require.Error(t, err)
}

// Scenario 1's expected byte prefix.
func TestScenario_SolidRedEncodedBytes(t *testing.T) {
	updates := []channelmap.ColorUpdate{{ChannelID: 0, R: 0xFFFF, G: 0x0000, B: 0x0000}}
	packet, err := Encode(testUUID, updates)
	require.NoError(t, err)

	wantPrefix := []byte{
		0x48, 0x75, 0x65, 0x53, 0x74, 0x72, 0x65, 0x61, 0x6d, // "HueStream"
		0x02, 0x00, // version
		0x00,       // sequence
		0x00, 0x00, // reserved
		0x00, // color space
		0x00, // reserved
	}
	assert.Equal(t, wantPrefix, packet[0:16])
	assert.Equal(t, testUUID, string(packet[16:52]))
	assert.Equal(t, []byte{0x00, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00}, packet[52:59])
}

func TestEncode_PreservesOrder(t *testing.T) {
	updates := []channelmap.ColorUpdate{
		{ChannelID: 5, R: 1, G: 1, B: 1},
		{ChannelID: 2, R: 2, G: 2, B: 2},
		{ChannelID: 5, R: 3, G: 3, B: 3}, // duplicate channel id, permitted
	}
	packet, err := Encode(testUUID, updates)
	require.NoError(t, err)

	_, decoded, err := Decode(packet)
	require.NoError(t, err)
	require.Equal(t, updates, decoded)
}

func TestRoundTrip_DecodeThenEncode(t *testing.T) {
	updates := []channelmap.ColorUpdate{
		{ChannelID: 0, R: 0x1234, G: 0x5678, B: 0x9abc},
		{ChannelID: 9, R: 0, G: 0xFFFF, B: 0x0001},
	}
	packet, err := Encode(testUUID, updates)
	require.NoError(t, err)

	configID, decoded, err := Decode(packet)
	require.NoError(t, err)
	assert.Equal(t, testUUID, configID)
	assert.Equal(t, updates, decoded)

	reEncoded, err := Encode(configID, decoded)
	require.NoError(t, err)
	assert.Equal(t, packet, reEncoded)
}

func TestDecode_RejectsShortPacket(t *testing.T) {
	_, _, err := Decode([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	packet, err := Encode(testUUID, nil)
	require.NoError(t, err)
	packet[0] = 'X'
	_, _, err = Decode(packet)
	require.Error(t, err)
}
