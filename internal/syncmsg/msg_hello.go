package syncmsg

// ClientHello is the first message on every connection. ID identifies the
// client process and stays the same across reconnects.
type ClientHello struct {
	ID      string `json:"cid" msgpack:"cid"`
	Version string `json:"ver" msgpack:"ver"`
}

func NewClientHello(id string, version string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgClientHello,
		Data: &ClientHello{
			ID:      id,
			Version: version,
		},
	}
}
