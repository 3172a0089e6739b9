package depot

// RollbackName is the display name of synthetic rollback archives.
const RollbackName = "<Rollback>"

// ArchiveInfo is the persistent per-archive flag field.
type ArchiveInfo uint32

// ArchiveRollback marks a synthetic archive holding a pre-install snapshot.
const ArchiveRollback ArchiveInfo = 0x0001

// ArchiveRecord is overlay metadata. The serial is assigned by the catalog
// on insertion and defines the stack order: a greater serial is higher in
// the stack.
type ArchiveRecord struct {
	Serial    int64
	UUID      string // uppercase, user-visible handle
	Name      string
	DateAdded int64 // epoch seconds at insertion
	Info      ArchiveInfo
	Active    bool
}

// NewArchive builds an uninserted archive record (Serial 0, Active false).
func NewArchive(name string, clock Clock, idgen IDGenerator) *ArchiveRecord {
	return &ArchiveRecord{
		UUID:      idgen.New(),
		Name:      name,
		DateAdded: clock.Now().Unix(),
	}
}

// NewRollbackArchive builds the synthetic archive that will hold the
// pre-install snapshot for an install.
func NewRollbackArchive(clock Clock, idgen IDGenerator) *ArchiveRecord {
	a := NewArchive(RollbackName, clock, idgen)
	a.Info |= ArchiveRollback
	return a
}

func (a *ArchiveRecord) IsRollback() bool { return a.Info&ArchiveRollback != 0 }
