package archive

import "time"

// State is the completion state recorded in a manifest.
type State string

const (
	// StateInProgress means the unit is written but live rows may still exist.
	StateInProgress State = "in_progress"
	// StateComplete means the unit is durable and its live rows are gone.
	StateComplete State = "complete"
)

// RemoteCopy records where a unit was mirrored.
type RemoteCopy struct {
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	Checksum   string    `json:"checksum"`
	MirroredAt time.Time `json:"mirrored_at"`
}

// Manifest describes the archive unit of one day.
type Manifest struct {
	Date        string      `json:"date"`
	State       State       `json:"state"`
	Emails      int         `json:"emails"`
	Deliveries  int         `json:"deliveries"`
	Size        int64       `json:"size"`
	Checksum    string      `json:"checksum"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Remote      *RemoteCopy `json:"remote,omitempty"`
}

// IsComplete reports whether the unit finished archiving.
func (m *Manifest) IsComplete() bool {
	return m != nil && m.State == StateComplete
}

// IsMirrored reports whether the current unit content is already mirrored at key.
func (m *Manifest) IsMirrored(key string) bool {
	return m != nil && m.Remote != nil && m.Remote.Key == key && m.Remote.Checksum == m.Checksum
}
