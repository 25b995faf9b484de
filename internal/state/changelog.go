package state

import (
	"errors"
	"time"

	"github.com/vadymcap/Vasc/internal/domain"
)

// ErrCompacted means the requested cursor predates the oldest retained log
// entry; the only recovery is a fresh snapshot transfer.
var ErrCompacted = errors.New("change log compacted past requested cursor")

type logEntry struct {
	at    time.Time
	entry domain.ChangeEntry
}

// ChangeLog is the ordered record of accepted mutations, keyed by a global
// monotonically increasing sequence number. It is always accessed under the
// owning Snapshot's lock.
type ChangeLog struct {
	entries []logEntry
	headSeq uint64
	// Highest sequence number dropped by compaction; cursors at or above
	// this value are still servable.
	compactedThrough uint64
}

func newChangeLog() *ChangeLog {
	return &ChangeLog{}
}

func (l *ChangeLog) append(entry domain.ChangeEntry) domain.ChangeEntry {
	l.headSeq++
	entry.Seq = l.headSeq
	l.entries = append(l.entries, logEntry{at: time.Now(), entry: entry})
	return entry
}

func (l *ChangeLog) head() uint64 {
	return l.headSeq
}

func (l *ChangeLog) since(cursor uint64, excludeSession string) ([]domain.ChangeEntry, error) {
	if cursor < l.compactedThrough {
		return nil, ErrCompacted
	}

	var out []domain.ChangeEntry
	for _, le := range l.entries {
		if le.entry.Seq <= cursor {
			continue
		}
		if excludeSession != "" && le.entry.OriginSession == excludeSession {
			continue
		}
		out = append(out, le.entry)
	}
	return out, nil
}

func (l *ChangeLog) compact(cutoff time.Time) {
	keep := 0
	for keep < len(l.entries) && l.entries[keep].at.Before(cutoff) {
		l.compactedThrough = l.entries[keep].entry.Seq
		keep++
	}
	if keep > 0 {
		l.entries = append([]logEntry(nil), l.entries[keep:]...)
	}
}
