package channel

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMessage serializes m with its kind so DecodeMessage can restore the
// concrete variant.
func EncodeMessage(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode message: nil")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Kind: m.Kind(), Data: data})
}

func DecodeMessage(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	var (
		m   Message
		err error
	)
	switch env.Kind {
	case KindText:
		m, err = decodeAs[TextMessage](env.Data)
	case KindMedia:
		m, err = decodeAs[MediaMessage](env.Data)
	case KindButton:
		m, err = decodeAs[ButtonMessage](env.Data)
	case KindPoll:
		m, err = decodeAs[PollMessage](env.Data)
	case KindLocation:
		m, err = decodeAs[LocationMessage](env.Data)
	case KindVCard:
		m, err = decodeAs[VCardMessage](env.Data)
	case KindGroupOp:
		m, err = decodeAs[GroupOp](env.Data)
	case KindChannel:
		m, err = decodeAs[ChannelOp](env.Data)
	default:
		return nil, fmt.Errorf("decode message: unknown kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return m, nil
}

func decodeAs[T Message](data json.RawMessage) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
