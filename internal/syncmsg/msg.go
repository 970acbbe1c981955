package syncmsg

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/syncrelay/syncrelay/internal/utils"
)

const IdSize = 3

// Message is the tagged union exchanged between clients and the relay.
// Data holds *ClientHello, *Manifest or *Change depending on Type.
type Message struct {
	Id   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data any         `json:"dat"`
}

// UnmarshalJSON implements the json.Unmarshaler interface for Message
func (m *Message) UnmarshalJSON(data []byte) error {
	type tempMessage struct {
		Id   string          `json:"id"`
		Type MessageType     `json:"typ"`
		Data json.RawMessage `json:"dat"`
	}

	var temp tempMessage
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	m.Id = temp.Id
	m.Type = temp.Type

	switch m.Type {
	case MsgClientHello:
		var hello ClientHello
		if err := json.Unmarshal(temp.Data, &hello); err != nil {
			return err
		}
		m.Data = &hello
	case MsgManifest:
		var manifest Manifest
		if err := json.Unmarshal(temp.Data, &manifest); err != nil {
			return err
		}
		m.Data = &manifest
	case MsgChange:
		var change Change
		if err := json.Unmarshal(temp.Data, &change); err != nil {
			return err
		}
		m.Data = &change
	default:
		return fmt.Errorf("unknown message type: %d", m.Type)
	}

	return nil
}

// Change returns the change carried by the message, if any.
func (m *Message) Change() (*Change, bool) {
	if m == nil || m.Type != MsgChange {
		return nil, false
	}
	switch v := m.Data.(type) {
	case *Change:
		return v, v != nil
	case Change:
		return &v, true
	}
	return nil, false
}

// Manifest returns the manifest carried by the message, if any.
func (m *Message) Manifest() (*Manifest, bool) {
	if m == nil || m.Type != MsgManifest {
		return nil, false
	}
	switch v := m.Data.(type) {
	case *Manifest:
		return v, v != nil
	case Manifest:
		return &v, true
	}
	return nil, false
}

// Hello returns the client hello carried by the message, if any.
func (m *Message) Hello() (*ClientHello, bool) {
	if m == nil || m.Type != MsgClientHello {
		return nil, false
	}
	switch v := m.Data.(type) {
	case *ClientHello:
		return v, v != nil
	case ClientHello:
		return &v, true
	}
	return nil, false
}

func generateID() string {
	return utils.TokenHex(IdSize)
}
