package dispatcher

import "sync"

// laneSet hands out one mutex per user so commands from the same user are
// serialized while different users proceed in parallel. Wake-up order under
// contention follows sync.Mutex scheduling, which is starvation-free but not
// strict first-arrival; a single Telegram chat rarely has more than one
// update in flight, so the approximation holds in practice. Lanes are kept
// for the process lifetime; the map is bounded by the number of distinct
// users seen.
type laneSet struct {
	mu    sync.Mutex
	lanes map[int64]*sync.Mutex
}

func newLaneSet() *laneSet {
	return &laneSet{lanes: make(map[int64]*sync.Mutex)}
}

func (l *laneSet) acquire(userID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lane, ok := l.lanes[userID]
	if !ok {
		lane = &sync.Mutex{}
		l.lanes[userID] = lane
	}
	return lane
}
