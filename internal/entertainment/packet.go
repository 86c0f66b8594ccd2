// Package entertainment encodes Hue Entertainment streaming update packets
// (the "HueStream" v2 wire format sent over the DTLS-PSK channel).
package entertainment

import (
	"encoding/binary"
	"fmt"

	"github.com/huestage/artnethue-bridge/internal/channelmap"
)

const (
	magic        = "HueStream"
	majorVersion = 0x02
	minorVersion = 0x00

	colorSpaceRGB = 0x00

	uuidLen         = 36
	headerLen       = 16 + uuidLen
	channelRecordLen = 7
)

// Encode builds one streaming update packet for configID carrying updates
// in the order given. Record order mirrors the input order; duplicate
// channel ids are not rejected (the wire format permits them, callers
// should not produce them).
func Encode(configID string, updates []channelmap.ColorUpdate) ([]byte, error) {
	if len(configID) != uuidLen {
		return nil, fmt.Errorf("entertainment: entertainment configuration id must be %d characters, got %d", uuidLen, len(configID))
	}

	buf := make([]byte, 0, headerLen+channelRecordLen*len(updates))
	buf = append(buf, magic...)
	buf = append(buf, majorVersion, minorVersion)
	buf = append(buf, 0x00)       // sequence, unused
	buf = append(buf, 0x00, 0x00) // reserved
	buf = append(buf, colorSpaceRGB)
	buf = append(buf, 0x00) // reserved
	buf = append(buf, configID...)

	for _, u := range updates {
		buf = append(buf, u.ChannelID)
		buf = binary.BigEndian.AppendUint16(buf, u.R)
		buf = binary.BigEndian.AppendUint16(buf, u.G)
		buf = binary.BigEndian.AppendUint16(buf, u.B)
	}

	return buf, nil
}

// Decode parses a streaming update packet back into its configuration id
// and channel records, for testing the round trip and for diagnostics.
func Decode(packet []byte) (configID string, updates []channelmap.ColorUpdate, err error) {
	if len(packet) < headerLen {
		return "", nil, fmt.Errorf("entertainment: packet too short: %d bytes", len(packet))
	}
	if string(packet[0:9]) != magic {
		return "", nil, fmt.Errorf("entertainment: bad magic %q", packet[0:9])
	}
	if packet[9] != majorVersion || packet[10] != minorVersion {
		return "", nil, fmt.Errorf("entertainment: unsupported version %d.%d", packet[9], packet[10])
	}
	if packet[14] != colorSpaceRGB {
		return "", nil, fmt.Errorf("entertainment: unsupported color space %d", packet[14])
	}

	configID = string(packet[16:headerLen])

	rest := packet[headerLen:]
	if len(rest)%channelRecordLen != 0 {
		return "", nil, fmt.Errorf("entertainment: trailing %d bytes don't form whole channel records", len(rest)%channelRecordLen)
	}

	n := len(rest) / channelRecordLen
	updates = make([]channelmap.ColorUpdate, n)
	for i := 0; i < n; i++ {
		rec := rest[i*channelRecordLen : (i+1)*channelRecordLen]
		updates[i] = channelmap.ColorUpdate{
			ChannelID: rec[0],
			R:         binary.BigEndian.Uint16(rec[1:3]),
			G:         binary.BigEndian.Uint16(rec[3:5]),
			B:         binary.BigEndian.Uint16(rec[5:7]),
		}
	}
	return configID, updates, nil
}
