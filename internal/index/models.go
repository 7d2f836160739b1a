package index

import "strconv"

// EntryType enumerates the entry_type values.
type EntryType string

const (
	EntryFile      EntryType = "file"
	EntryDirectory EntryType = "directory"
	EntrySymlink   EntryType = "symlink"
)

// TaskStatus enumerates the scheduler state machine.
type TaskStatus string

const (
	StatusOpen        TaskStatus = "OPEN"
	StatusInProgress  TaskStatus = "IN_PROGRESS"
	StatusBlocked     TaskStatus = "BLOCKED"
	StatusBackground  TaskStatus = "BACKGROUND"
	StatusComplete    TaskStatus = "COMPLETE"
	StatusError       TaskStatus = "ERROR"
	StatusCancelled   TaskStatus = "CANCELLED"
	StatusDead        TaskStatus = "DEAD"
)

// Organization is the top-level grouping of tenants.
type Organization struct {
	ID   int64
	Name string
}

// Tenant is the isolation unit.
type Tenant struct {
	ID    int64
	OrgID int64
	Name  string
	UUID  string
}

// TenantKey returns the object-storage key: the tenant's UUID
// if present, else its integer id as text.
func (t Tenant) TenantKey() string {
	if t.UUID != "" {
		return t.UUID
	}
	return strconv.FormatInt(t.ID, 10)
}

// BlobRefRow is the deduplicated, tenant-agnostic blob identity row.
type BlobRefRow struct {
	ID        int64
	Hash      string
	LeafSize  uint64
	Container bool
	MimeType  string
	Handler   string
}

// Blob is a tenant's ownership of a BlobRefRow.
type Blob struct {
	ID        int64
	TenantID  int64
	BlobRefID int64
}

// Entry is one child of a Container.
type Entry struct {
	ID           int64
	ContainerID  int64
	BlobID       int64
	EntryType    EntryType
	InternalPath string
	Order        int
	MTimeMillis  *int64
	Metadata     []byte
}
