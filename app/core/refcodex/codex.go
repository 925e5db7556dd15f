// Package refcodex derives short, human-typeable references for the tasks of
// one listing. References are only meaningful against the snapshot that
// produced them; a snapshot is replaced wholesale whenever a fresh listing is
// rendered, so stale references resolve to nothing instead of a wrong task.
package refcodex

import "strings"

// MinWidth is the default number of identifier characters used for a
// reference. It grows per listing until every reference is unique.
const MinWidth = 4

type Snapshot struct {
	refs  map[string]string // ref -> task id
	order []Ref             // listing order
}

type Ref struct {
	Ref    string
	TaskID string
}

// Build derives one reference per task id, preserving the given order. The
// reference is an uppercase prefix of the id with separators stripped,
// widened until no two tasks in the listing collide.
func Build(taskIDs []string) *Snapshot {
	width := MinWidth
	for !uniqueAt(taskIDs, width) && width < maxWidth(taskIDs) {
		width++
	}

	snap := &Snapshot{refs: make(map[string]string, len(taskIDs))}
	for _, id := range taskIDs {
		ref := derive(id, width)
		snap.refs[ref] = id
		snap.order = append(snap.order, Ref{Ref: ref, TaskID: id})
	}
	return snap
}

// Resolve maps a typed reference back to a task id. Only references minted by
// this snapshot resolve; anything else reports false.
func (s *Snapshot) Resolve(ref string) (string, bool) {
	if s == nil {
		return "", false
	}
	id, ok := s.refs[normalize(ref)]
	return id, ok
}

// RefFor returns the reference minted for taskID in this snapshot.
func (s *Snapshot) RefFor(taskID string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, r := range s.order {
		if r.TaskID == taskID {
			return r.Ref, true
		}
	}
	return "", false
}

// Refs returns the references in listing order.
func (s *Snapshot) Refs() []Ref {
	if s == nil {
		return nil
	}
	out := make([]Ref, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

func uniqueAt(taskIDs []string, width int) bool {
	seen := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		ref := derive(id, width)
		if _, dup := seen[ref]; dup {
			return false
		}
		seen[ref] = struct{}{}
	}
	return true
}

func maxWidth(taskIDs []string) int {
	max := 0
	for _, id := range taskIDs {
		if n := len(normalize(id)); n > max {
			max = n
		}
	}
	return max
}

func derive(id string, width int) string {
	compact := normalize(id)
	if width >= len(compact) {
		return compact
	}
	return compact[:width]
}

func normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "-", "")
}
