package fanout

import (
	"sync"
	"sync/atomic"
)

// Filter restricts what a subscriber receives. Empty sets match everything.
// Heartbeats are never filtered.
type Filter struct {
	RobotIDs []string `json:"robot_ids,omitempty"`
	Kinds    []Kind   `json:"kinds,omitempty"`
}

type filterSet struct {
	robots map[string]struct{}
	kinds  map[Kind]struct{}
}

func compileFilter(f Filter) *filterSet {
	fs := &filterSet{}
	if len(f.RobotIDs) > 0 {
		fs.robots = make(map[string]struct{}, len(f.RobotIDs))
		for _, id := range f.RobotIDs {
			fs.robots[id] = struct{}{}
		}
	}
	if len(f.Kinds) > 0 {
		fs.kinds = make(map[Kind]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			fs.kinds[k] = struct{}{}
		}
	}
	return fs
}

func (fs *filterSet) match(env Envelope) bool {
	if env.Kind == KindHeartbeat {
		return true
	}
	if fs.kinds != nil {
		if _, ok := fs.kinds[env.Kind]; !ok {
			return false
		}
	}
	// fleet-wide events without an entity pass robot filters
	if fs.robots != nil && env.EntityID != "" {
		if _, ok := fs.robots[env.EntityID]; !ok {
			return false
		}
	}
	return true
}

// Subscriber is one observer with its own bounded queue
type Subscriber struct {
	id     string
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	filter atomic.Pointer[filterSet]

	consecutiveDrops atomic.Int64
	dropped          atomic.Int64
	delivered        atomic.Int64
	reason           atomic.Value // error
}

// ID returns the subscriber id
func (s *Subscriber) ID() string {
	return s.id
}

// Events is the outbound queue. It is never closed; select on Done as well.
func (s *Subscriber) Events() <-chan []byte {
	return s.queue
}

// Done is closed once the subscriber is disconnected
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscriber was disconnected, nil if it was not forced
func (s *Subscriber) Err() error {
	err, _ := s.reason.Load().(error)
	return err
}

// SetFilter replaces the subscriber's filter
func (s *Subscriber) SetFilter(f Filter) {
	s.filter.Store(compileFilter(f))
}

// Filter returns the current filter
func (s *Subscriber) Filter() Filter {
	fs := s.filter.Load()
	var f Filter
	for id := range fs.robots {
		f.RobotIDs = append(f.RobotIDs, id)
	}
	for k := range fs.kinds {
		f.Kinds = append(f.Kinds, k)
	}
	return f
}

// Dropped returns the number of events dropped for this subscriber
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close(reason error) bool {
	closed := false
	s.once.Do(func() {
		if reason != nil {
			s.reason.Store(reason)
		}
		close(s.done)
		closed = true
	})
	return closed
}
