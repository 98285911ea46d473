package spawn

import (
	"sort"
	"sync"
	"time"

	"github.com/bastionmp/bastion/pkg/protocol"
	"github.com/bastionmp/bastion/pkg/types"
)

// StatusFunc observes spawn request transitions. Subscribers attached after
// a terminal state are invoked immediately with that state, so no
// transition can be missed.
type StatusFunc func(status types.SpawnStatus, reason string)

// Request tracks one spawn order from Queued to a terminal state. State
// moves strictly forward through Queued, Requested, Started, Registered,
// Open; Aborted and Error are terminal jumps allowed from any non-terminal
// state.
type Request struct {
	ID       string
	Settings protocol.SpawnSettings

	mu        sync.Mutex
	status    types.SpawnStatus
	reason    string
	spawnerID string
	pid       int32
	gameID    int32
	subs      map[int]StatusFunc
	nextSub   int
	timer     *time.Timer
	createdAt time.Time
}

func newRequest(id string, settings protocol.SpawnSettings) *Request {
	return &Request{
		ID:        id,
		Settings:  settings,
		status:    types.SpawnQueued,
		subs:      make(map[int]StatusFunc),
		createdAt: time.Now(),
	}
}

// Status returns the current state and, for Error, the failure reason.
func (r *Request) Status() (types.SpawnStatus, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.reason
}

// SpawnerID returns the spawner the request was dispatched to, if any.
func (r *Request) SpawnerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawnerID
}

// GameID returns the game-server id once the process has registered.
func (r *Request) GameID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameID
}

// Subscribe attaches a status observer and returns its cancel function.
// Observers are invoked in subscription order on every transition; an
// observer attached after a terminal transition fires immediately.
func (r *Request) Subscribe(fn StatusFunc) func() {
	r.mu.Lock()
	if r.status.Terminal() {
		status, reason := r.status, r.reason
		r.mu.Unlock()
		fn(status, reason)
		return func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// advance attempts a transition. Returns false without side effects when
// the transition is not legal from the current state, which is how abort
// idempotence and abort-vs-success races resolve.
func (r *Request) advance(to types.SpawnStatus, reason string) bool {
	r.mu.Lock()
	if !legalTransition(r.status, to) {
		r.mu.Unlock()
		return false
	}
	r.status = to
	r.reason = reason
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	var subs map[int]StatusFunc
	if to.Terminal() {
		subs = r.subs
		r.subs = make(map[int]StatusFunc)
	} else {
		subs = make(map[int]StatusFunc, len(r.subs))
		for id, fn := range r.subs {
			subs[id] = fn
		}
	}
	r.mu.Unlock()

	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs[id](to, reason)
	}
	return true
}

func legalTransition(from, to types.SpawnStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == types.SpawnAborted || to == types.SpawnError {
		return true
	}
	return to == from+1
}

func (r *Request) setSpawner(id string) {
	r.mu.Lock()
	r.spawnerID = id
	r.mu.Unlock()
}

func (r *Request) setPid(pid int32) {
	r.mu.Lock()
	r.pid = pid
	r.mu.Unlock()
}

func (r *Request) setGameID(id int32) {
	r.mu.Lock()
	r.gameID = id
	r.mu.Unlock()
}

// armTimer starts the per-state deadline. The callback fires only if the
// request is still in the state it was armed for.
func (r *Request) armTimer(state types.SpawnStatus, d time.Duration, onExpire func()) {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, func() {
		r.mu.Lock()
		expired := r.status == state
		r.mu.Unlock()
		if expired {
			onExpire()
		}
	})
	r.mu.Unlock()
}
