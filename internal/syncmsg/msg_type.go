package syncmsg

import "fmt"

type MessageType uint16

const (
	MsgClientHello MessageType = iota
	MsgManifest
	MsgChange
)

func (t MessageType) String() string {
	switch t {
	case MsgClientHello:
		return "CLIENT_HELLO"
	case MsgManifest:
		return "MANIFEST"
	case MsgChange:
		return "CHANGE"
	default:
		return fmt.Sprintf("???(%d)", t)
	}
}
