package certificate

import (
	"time"

	"github.com/banshee-data/safety.filter/internal/monitoring"
)

// ArchiveRecord is one installed certificate as persisted for post-hoc
// analysis. Matches the certificates table.
type ArchiveRecord struct {
	RunID       string
	Version     uint64
	Source      string
	InstalledAt time.Time
	Shape       []int
	MinValue    float64
	MaxValue    float64
	Blob        []byte // Encode form of the table
}

// ArchiveStore persists certificate records. Implemented by db.DB.
type ArchiveStore interface {
	InsertCertificate(rec *ArchiveRecord) (int64, error)
}

// ArchiveHook returns an OnInstall hook that writes every installed
// certificate to store. Failures are logged and otherwise ignored.
func ArchiveHook(store ArchiveStore, runID string) func(*Snapshot) {
	return func(snap *Snapshot) {
		blob, err := EncodeBytes(snap.Table)
		if err != nil {
			monitoring.Logf("[CertificateArchive] failed to encode version %d: %v", snap.Version, err)
			return
		}
		lo, hi := snap.Table.MinMax()
		rec := &ArchiveRecord{
			RunID:       runID,
			Version:     snap.Version,
			Source:      snap.Source,
			InstalledAt: snap.InstalledAt,
			Shape:       snap.Table.Shape(),
			MinValue:    lo,
			MaxValue:    hi,
			Blob:        blob,
		}
		if _, err := store.InsertCertificate(rec); err != nil {
			monitoring.Logf("[CertificateArchive] failed to persist version %d: %v", snap.Version, err)
		}
	}
}
