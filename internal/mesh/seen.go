package mesh

// seenSet is a fixed-capacity set of message ids with deterministic O(1)
// oldest-first eviction: a ring buffer of ids backed by a membership map.
type seenSet struct {
	capacity int
	ring     []string
	next     int
	members  map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &seenSet{
		capacity: capacity,
		ring:     make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

func (s *seenSet) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Add records an id, evicting the oldest entry once the ring is full.
// Returns false if the id was already present.
func (s *seenSet) Add(id string) bool {
	if s.Contains(id) {
		return false
	}
	if len(s.ring) < s.capacity {
		s.ring = append(s.ring, id)
	} else {
		delete(s.members, s.ring[s.next])
		s.ring[s.next] = id
	}
	s.members[id] = struct{}{}
	s.next = (s.next + 1) % s.capacity
	return true
}

func (s *seenSet) Len() int {
	return len(s.members)
}
