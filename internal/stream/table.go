package stream

import (
	"slices"
	"time"

	"github.com/smazurov/camfeed/internal/process"
)

// entry is one transcoder instance. handle is nil while the spawn is in
// flight; the entry then only reserves the key.
type entry struct {
	instance  uint64
	handle    process.Handle
	asm       *Assembler
	createdAt time.Time
	startedAt time.Time

	killRequested bool
	superseded    bool // killed by a reconfiguration, exit is expected
	restart       bool // created again after kill, start once this instance is gone
	streaming     bool // first chunk seen
}

// table holds at most one entry per key. Owned by the orchestrator loop.
type table struct {
	entries map[Key]*entry
}

func newTable() *table {
	return &table{entries: make(map[Key]*entry)}
}

func (t *table) get(key Key) (*entry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// lookup returns the entry for key only if it is the given instance.
func (t *table) lookup(key Key, instance uint64) (*entry, bool) {
	e, ok := t.entries[key]
	if !ok || e.instance != instance {
		return nil, false
	}
	return e, true
}

func (t *table) put(key Key, e *entry) { t.entries[key] = e }

func (t *table) delete(key Key) { delete(t.entries, key) }

func (t *table) len() int { return len(t.entries) }

// keys returns all keys ordered by controller, camera and quality.
func (t *table) keys() []Key {
	keys := make([]Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// match returns the keys of one controller and quality, ordered by camera.
func (t *table) match(controller int, quality Quality) []Key {
	var keys []Key
	for k := range t.entries {
		if k.Controller == controller && k.Quality == quality {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b Key) int {
	if a.Controller != b.Controller {
		return a.Controller - b.Controller
	}
	if a.Camera != b.Camera {
		return a.Camera - b.Camera
	}
	return int(a.Quality) - int(b.Quality)
}
