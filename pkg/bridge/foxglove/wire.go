package foxglove

import (
	"encoding/binary"
	"errors"
)

// Subprotocol is the websocket subprotocol Foxglove Studio negotiates.
const Subprotocol = "foxglove.websocket.v1"

const (
	OpServerInfo  = "serverInfo"
	OpAdvertise   = "advertise"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpStatus      = "status"

	BinaryOpMessageData = 0x01

	StatusInfo    = 0
	StatusWarning = 1
	StatusError   = 2
)

var errShortFrame = errors.New("message data frame too short")

type ServerInfoMsg struct {
	Op                 string            `json:"op"`
	Name               string            `json:"name"`
	Capabilities       []string          `json:"capabilities"`
	SupportedEncodings []string          `json:"supportedEncodings,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SessionID          string            `json:"sessionId,omitempty"`
}

type Channel struct {
	ID             uint64 `json:"id"`
	Topic          string `json:"topic"`
	Encoding       string `json:"encoding"`
	SchemaName     string `json:"schemaName"`
	SchemaEncoding string `json:"schemaEncoding,omitempty"`
	Schema         string `json:"schema,omitempty"`
}

type AdvertiseMsg struct {
	Op       string    `json:"op"`
	Channels []Channel `json:"channels"`
}

type Subscription struct {
	ID        uint32 `json:"id"`
	ChannelID uint64 `json:"channelId"`
}

type SubscribeMsg struct {
	Op            string         `json:"op"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type UnsubscribeMsg struct {
	Op              string   `json:"op"`
	SubscriptionIDs []uint32 `json:"subscriptionIds"`
}

type StatusMsg struct {
	Op      string `json:"op"`
	Level   int    `json:"level"`
	Message string `json:"message"`
}

// EncodeMessageData frames payload as a binary messageData op:
// opcode(1) | subscription id(4) | log time ns(8) | payload, little-endian.
func EncodeMessageData(subscriptionID uint32, logTime uint64, payload []byte) []byte {
	out := make([]byte, 13+len(payload))
	out[0] = BinaryOpMessageData
	binary.LittleEndian.PutUint32(out[1:5], subscriptionID)
	binary.LittleEndian.PutUint64(out[5:13], logTime)
	copy(out[13:], payload)
	return out
}

// DecodeMessageData splits a messageData frame.
func DecodeMessageData(frame []byte) (subscriptionID uint32, logTime uint64, payload []byte, err error) {
	if len(frame) < 13 || frame[0] != BinaryOpMessageData {
		return 0, 0, nil, errShortFrame
	}
	return binary.LittleEndian.Uint32(frame[1:5]), binary.LittleEndian.Uint64(frame[5:13]), frame[13:], nil
}
