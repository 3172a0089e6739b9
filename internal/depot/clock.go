package depot

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so depot logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts archive UUID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs in the uppercase form archives use.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return strings.ToUpper(uuid.New().String()) }
