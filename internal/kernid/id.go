// Package kernid implements the kernel's stable identifier type: a
// 128-bit UUID used for plugin identity, trace ids, and correlation
// ids throughout the event bus.
package kernid

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// dnsNamespace is the namespace used for all name-derived (v5)
// identifiers, so that the same name always yields the same Id across
// process restarts — required for plugin identity to survive reboot.
var dnsNamespace = uuid.NameSpaceDNS

// Id is a 128-bit identifier. Equality and hashing are by raw bytes
// (the zero value is the nil UUID and is never issued by New or
// FromName).
type Id struct {
	u uuid.UUID
}

// New returns a random (v4) Id, used for trace ids and other
// identifiers that carry no semantic meaning beyond uniqueness.
func New() Id {
	return Id{u: uuid.New()}
}

// FromName returns a deterministic (v5) Id derived from s. Used for
// plugin identity so the same dotted-namespace plugin id always
// produces the same Id, enabling issuer comparison without a lookup
// table.
func FromName(s string) Id {
	return Id{u: uuid.NewSHA1(dnsNamespace, []byte(s))}
}

// Nil reports whether this is the zero-value Id.
func (id Id) Nil() bool { return id.u == uuid.Nil }

func (id Id) String() string { return id.u.String() }

func (id Id) Equal(other Id) bool { return id.u == other.u }

func (id Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.u.String() + `"`), nil
}

func (id *Id) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("kernid: invalid Id literal %q", b)
	}
	parsed, err := uuid.Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return fmt.Errorf("kernid: %w", err)
	}
	id.u = parsed
	return nil
}

// Value/Scan let an Id be stored directly as a Redis/SQL string value.
func (id Id) Value() (driver.Value, error) { return id.u.String(), nil }

func (id *Id) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("kernid: cannot scan %T into Id", src)
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("kernid: %w", err)
	}
	id.u = parsed
	return nil
}

// ParseId parses a canonical hyphenated UUID string into an Id.
func ParseId(s string) (Id, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Id{}, fmt.Errorf("kernid: %w", err)
	}
	return Id{u: u}, nil
}
