package session

import "fmt"

// GATT UUIDs for the sensor family's command service. The control
// characteristic takes request/response command writes; the data
// characteristic delivers subscription notifications.
const (
	DefaultServiceUUID = "34802252-7185-4d5d-b431-630e7050e8f0"
	DefaultWriteUUID   = "34800001-7185-4d5d-b431-630e7050e8f0"
	DefaultNotifyUUID  = "34800002-7185-4d5d-b431-630e7050e8f0"
)

// DefaultClientID tags this host's subscription in command payloads. The
// sensor echoes it in responses; any single byte works.
const DefaultClientID uint8 = 99

// Command opcodes.
const (
	opSubscribe   = 0x01
	opUnsubscribe = 0x02
)

// AccPath is the resource path selecting the acceleration stream at the
// given sample rate in hertz.
func AccPath(rate int) string {
	return fmt.Sprintf("/Meas/Acc/%d", rate)
}

// subscribeCmd builds the stream-subscribe command: opcode, client id, then
// the ASCII resource path.
func subscribeCmd(clientID uint8, rate int) []byte {
	return append([]byte{opSubscribe, clientID}, AccPath(rate)...)
}

// unsubscribeCmd builds the stream-unsubscribe command.
func unsubscribeCmd(clientID uint8) []byte {
	return []byte{opUnsubscribe, clientID}
}
