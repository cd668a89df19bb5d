package ingest

import (
	"cmp"
	"slices"

	"github.com/cyberinferno/sensor-ingest/safemap"
)

// registry tracks the connections currently being handled, keyed by
// connection ID. It is bookkeeping for shutdown and status reporting; records
// never pass through it.
type registry struct {
	conns safemap.SafeMap[uint32, *Connection]
}

func (r *registry) add(c *Connection) {
	r.conns.Store(c.id, c)
}

func (r *registry) remove(id uint32) {
	r.conns.Delete(id)
}

func (r *registry) get(id uint32) (*Connection, bool) {
	return r.conns.Load(id)
}

func (r *registry) len() int {
	return r.conns.Len()
}

// list returns the registered connections ordered by ID.
func (r *registry) list() []*Connection {
	conns := r.conns.Values()
	slices.SortFunc(conns, func(a, b *Connection) int {
		return cmp.Compare(a.id, b.id)
	})

	return conns
}

// closeAll closes the socket of every registered connection and returns how
// many there were. Handlers notice on their next read and exit.
func (r *registry) closeAll() int {
	n := 0
	r.conns.Range(func(_ uint32, c *Connection) bool {
		_ = c.Close()
		n++
		return true
	})

	return n
}
