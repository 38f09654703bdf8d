package storage

import "sync"

// ChangeLog records the changes a store sees after the log was opened.
// Each key appears once with its most recent operation, in first-change
// order.
type ChangeLog struct {
	filter map[string]struct{}
	close  func()

	mu     sync.Mutex
	closed bool
	ops    map[string]LogOp
	keys   []string
}

func newChangeLog(keys []string) *ChangeLog {
	l := &ChangeLog{ops: make(map[string]LogOp)}
	if len(keys) > 0 {
		l.filter = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			l.filter[k] = struct{}{}
		}
	}
	return l
}

func (l *ChangeLog) record(op LogOp, key string) {
	if l.filter != nil {
		if _, ok := l.filter[key]; !ok {
			return
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, seen := l.ops[key]; !seen {
		l.keys = append(l.keys, key)
	}
	l.ops[key] = op
}

// Drain returns the recorded changes and empties the log.
func (l *ChangeLog) Drain() []LoggedOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoggedOperation, 0, len(l.keys))
	for _, key := range l.keys {
		out = append(out, LoggedOperation{Op: l.ops[key], Key: key})
	}
	l.ops = make(map[string]LogOp)
	l.keys = nil
	return out
}

// Removed reports whether the latest change recorded for key since the
// last Drain is a remove.
func (l *ChangeLog) Removed(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ops[key] == LogRemove
}

// Close stops recording and discards anything not yet drained. Close is
// idempotent.
func (l *ChangeLog) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.ops = make(map[string]LogOp)
	l.keys = nil
	l.mu.Unlock()
	if l.close != nil {
		l.close()
	}
}
