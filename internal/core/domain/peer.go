package domain

import "sort"

type PeerID string
type SessionID string

// IsPolite reports whether the local side plays the polite role towards remote.
// Both peers compute it independently and always disagree for distinct ids.
func IsPolite(local, remote PeerID) bool {
	return local > remote
}

// PeerDiff is the result of comparing two target peer snapshots.
type PeerDiff struct {
	Added   []PeerID
	Removed []PeerID
}

// Empty reports whether the snapshots were identical.
func (d PeerDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// PeerSet is an immutable snapshot of connection targets.
type PeerSet map[PeerID]struct{}

// NewPeerSet builds a snapshot from ids, dropping empty ids, duplicates and self.
func NewPeerSet(self PeerID, ids []PeerID) PeerSet {
	set := make(PeerSet, len(ids))
	for _, id := range ids {
		if id == "" || id == self {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

func (s PeerSet) Contains(id PeerID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s PeerSet) Sorted() []PeerID {
	ids := make([]PeerID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DiffPeers computes which peers appear in next but not prev and vice versa.
// Output is sorted so callers act on peers in a stable order.
func DiffPeers(prev, next PeerSet) PeerDiff {
	var diff PeerDiff
	for _, id := range next.Sorted() {
		if !prev.Contains(id) {
			diff.Added = append(diff.Added, id)
		}
	}
	for _, id := range prev.Sorted() {
		if !next.Contains(id) {
			diff.Removed = append(diff.Removed, id)
		}
	}
	return diff
}
