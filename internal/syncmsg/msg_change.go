package syncmsg

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrInvalidKind    = errors.New("invalid change kind")
	ErrInvalidPath    = errors.New("invalid relative path")
	ErrMissingContent = errors.New("content required for create/modify")
	ErrUnexpectedData = errors.New("content not allowed for delete")
)

type ChangeKind uint8

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeModify
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "CREATE"
	case ChangeModify:
		return "MODIFY"
	case ChangeDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("???(%d)", k)
	}
}

// HasContent reports whether changes of this kind carry file content.
func (k ChangeKind) HasContent() bool {
	return k == ChangeCreate || k == ChangeModify
}

// Change is a single replicated file operation. Values are never mutated
// after construction.
type Change struct {
	Kind    ChangeKind `json:"knd" msgpack:"knd"`
	Path    string     `json:"pth" msgpack:"pth"`
	Content []byte     `json:"con,omitempty" msgpack:"con,omitempty"`
}

func (c *Change) String() string {
	return fmt.Sprintf("%s %s (%d bytes)", c.Kind, c.Path, len(c.Content))
}

// Validate checks the change invariants: a known kind, a clean root-relative
// path and content presence matching the kind.
func (c *Change) Validate() error {
	switch c.Kind {
	case ChangeCreate, ChangeModify:
		if c.Content == nil {
			return fmt.Errorf("%w: %s", ErrMissingContent, c.Path)
		}
	case ChangeDelete:
		if c.Content != nil {
			return fmt.Errorf("%w: %s", ErrUnexpectedData, c.Path)
		}
	default:
		return fmt.Errorf("%w: %d", ErrInvalidKind, c.Kind)
	}
	return ValidatePath(c.Path)
}

// normalize restores the content invariant after decoding, where an empty
// content field and a missing one look the same.
func (c *Change) normalize() {
	if c.Kind.HasContent() && c.Content == nil {
		c.Content = []byte{}
	} else if c.Kind == ChangeDelete && len(c.Content) == 0 {
		c.Content = nil
	}
}

// Normalize is called by decoders before handing a change to the caller.
func (c *Change) Normalize() *Change {
	c.normalize()
	return c
}

// ValidatePath accepts forward-slash separated, root-relative paths that stay
// inside the root.
func ValidatePath(p string) error {
	if p == "" || p == "." {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("%w: %q is not clean", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q escapes root", ErrInvalidPath, p)
		}
	}
	return nil
}

func newChange(kind ChangeKind, relPath string, content []byte) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgChange,
		Data: (&Change{
			Kind:    kind,
			Path:    relPath,
			Content: content,
		}).Normalize(),
	}
}

func NewCreate(relPath string, content []byte) *Message {
	return newChange(ChangeCreate, relPath, content)
}

func NewModify(relPath string, content []byte) *Message {
	return newChange(ChangeModify, relPath, content)
}

func NewDelete(relPath string) *Message {
	return newChange(ChangeDelete, relPath, nil)
}

// NewChange wraps an existing change in a fresh message, used when the relay
// forwards a change to other clients.
func NewChange(change *Change) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgChange,
		Data: change,
	}
}
