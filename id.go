package darc

import (
	"bytes"
	"log/slog"

	"github.com/google/uuid"
)

// IDSize is the number of bytes an ID occupies on the wire.
const IDSize = 16

// ID identifies a node, a link or a logical connection.
//
// IDs are random (UUIDv4) hence unique within any scope they are allocated
// in. They are comparable and can be used as map keys.
type ID [IDSize]byte

// NilID means "unresolved" or "invalid".
var NilID ID

func NewID() ID {
	return ID(uuid.New())
}

// ParseID accepts the canonical UUID text form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilID, err
	}
	return ID(u), nil
}

func (id ID) IsNil() bool {
	return id == NilID
}

// Compare gives IDs a stable total order.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// ShortString is the first 8 hex digits, used in logs.
func (id ID) ShortString() string {
	return id.String()[:8]
}

func (id ID) LogValue() slog.Value {
	if id.IsNil() {
		return slog.StringValue("nil")
	}
	return slog.StringValue(id.ShortString())
}

func (id ID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *ID) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*id = ID(u)
	return nil
}
