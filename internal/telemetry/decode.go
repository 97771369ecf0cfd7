package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/fallmark-data/fallmark/internal/packet"
)

// Wire layout of a /Meas/Acc notification: a two-byte response header, the
// sensor's uint32 millisecond timestamp, then one float32 per axis. All
// fields little endian.
const (
	offTimestamp = 2
	offAX        = 6
	offAY        = 10
	offAZ        = 14

	// MinPayloadLen is the smallest payload DecodeAcc accepts.
	MinPayloadLen = 18
)

// EncodeAcc renders a notification payload carrying one sample in the wire
// layout DecodeAcc expects, including the data-notification header. The
// replay transport and tests use it to synthesize sensor traffic.
func EncodeAcc(ts uint32, ax, ay, az float32) []byte {
	buf := make([]byte, MinPayloadLen)
	buf[0] = 0x02 // data notification
	buf[1] = 0x63 // client reference
	binary.LittleEndian.PutUint32(buf[offTimestamp:], ts)
	binary.LittleEndian.PutUint32(buf[offAX:], math.Float32bits(ax))
	binary.LittleEndian.PutUint32(buf[offAY:], math.Float32bits(ay))
	binary.LittleEndian.PutUint32(buf[offAZ:], math.Float32bits(az))
	return buf
}

// DecodeAcc decodes a raw notification payload into a Reading stamped with
// local time now. Payloads longer than MinPayloadLen are accepted and the
// trailing bytes ignored; shorter ones fail with packet.ErrOutOfBounds.
func DecodeAcc(buf []byte, now time.Time) (Reading, error) {
	v := packet.NewView(buf)

	ts, err := v.Uint32(offTimestamp)
	if err != nil {
		return Reading{}, fmt.Errorf("decode timestamp: %w", err)
	}
	ax, err := v.Float32(offAX)
	if err != nil {
		return Reading{}, fmt.Errorf("decode ax: %w", err)
	}
	ay, err := v.Float32(offAY)
	if err != nil {
		return Reading{}, fmt.Errorf("decode ay: %w", err)
	}
	az, err := v.Float32(offAZ)
	if err != nil {
		return Reading{}, fmt.Errorf("decode az: %w", err)
	}

	return Reading{
		SensorTimestamp: ts,
		Local:           now,
		AX:              ax,
		AY:              ay,
		AZ:              az,
	}, nil
}
