package syncer

import (
	"time"

	"fightsync/ingestion/internal/models"
)

// Detector decides which decoded records a stage keeps and when paging can
// stop. In full mode it keeps everything; in incremental mode records older
// than the watermark are dropped, and a page made up entirely of such
// records exhausts the resource.
type Detector struct {
	mode      Mode
	watermark time.Time
}

// NewDetector builds a detector. A zero watermark disables filtering, so
// the first incremental run of an entity type behaves like a full one.
func NewDetector(mode Mode, watermark time.Time) Detector {
	return Detector{mode: mode, watermark: watermark}
}

func (d Detector) active() bool {
	return d.mode == ModeIncremental && !d.watermark.IsZero()
}

// Filter splits a page into the records to keep and a count of stale ones.
// exhausted reports that every record on the page is older than the
// watermark, which ends paging for the resource. Records without a recency
// signal are always kept and never count toward exhaustion.
func (d Detector) Filter(records []models.Record) (kept []models.Record, stale int, exhausted bool) {
	if !d.active() {
		return records, 0, false
	}

	kept = make([]models.Record, 0, len(records))
	for _, rec := range records {
		at := rec.RecencyAt()
		if !at.IsZero() && at.Before(d.watermark) {
			stale++
			continue
		}
		kept = append(kept, rec)
	}
	return kept, stale, len(records) > 0 && stale == len(records)
}

// Partition splits ids into those absent from known and those already
// stored. Both slices keep the input order; duplicates are reported once.
func Partition(ids []string, known map[string]struct{}) (fresh, existing []string) {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := known[id]; ok {
			existing = append(existing, id)
		} else {
			fresh = append(fresh, id)
		}
	}
	return fresh, existing
}
