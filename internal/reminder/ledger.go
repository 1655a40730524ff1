package reminder

import (
	"context"
	"sync"
)

// Kind identifies one of the two one-time deadline notices.
type Kind string

const (
	// KindHourLeft is sent once when under an hour remains.
	KindHourLeft Kind = "hour_left"
	// KindOverdue is sent once after the deadline passes.
	KindOverdue Kind = "overdue"
)

// Ledger records which notices were sent for which quest.
type Ledger interface {
	WasSent(ctx context.Context, questID int64, kind Kind) (bool, error)
	MarkSent(ctx context.Context, questID int64, kind Kind) error
	// Forget clears both notices so they can fire again (deadline changed or quest deleted).
	Forget(ctx context.Context, questID int64) error
}

type noticeFlags struct {
	hourLeft bool
	overdue  bool
}

// MemoryLedger keeps notice flags in process memory. They do not survive a restart.
type MemoryLedger struct {
	mu    sync.Mutex
	flags map[int64]*noticeFlags
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{flags: make(map[int64]*noticeFlags)}
}

func (l *MemoryLedger) WasSent(ctx context.Context, questID int64, kind Kind) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.flags[questID]
	if !ok {
		return false, nil
	}
	if kind == KindOverdue {
		return f.overdue, nil
	}
	return f.hourLeft, nil
}

func (l *MemoryLedger) MarkSent(ctx context.Context, questID int64, kind Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.flags[questID]
	if !ok {
		f = &noticeFlags{}
		l.flags[questID] = f
	}
	if kind == KindOverdue {
		f.overdue = true
	} else {
		f.hourLeft = true
	}
	return nil
}

func (l *MemoryLedger) Forget(ctx context.Context, questID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.flags, questID)
	return nil
}

// Len returns the number of quests with at least one flag.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.flags)
}
