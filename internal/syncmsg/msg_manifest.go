package syncmsg

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Manifest lists the relative paths a replica already stores.
type Manifest struct {
	Paths []string `json:"pth" msgpack:"pth"`
}

// Set returns the manifest paths as a set.
func (m *Manifest) Set() mapset.Set[string] {
	if m == nil {
		return mapset.NewThreadUnsafeSet[string]()
	}
	return mapset.NewThreadUnsafeSet(m.Paths...)
}

func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Paths)
}

// NewManifest builds a manifest message from a set of paths. Paths are sorted
// so the encoded form is deterministic.
func NewManifest(paths mapset.Set[string]) *Message {
	list := paths.ToSlice()
	sort.Strings(list)
	return &Message{
		Id:   generateID(),
		Type: MsgManifest,
		Data: &Manifest{Paths: list},
	}
}
