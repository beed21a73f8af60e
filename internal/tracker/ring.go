package tracker

import "github.com/rewired-gh/liqsentry/internal/models"

// ring is a fixed-capacity FIFO of snapshots; pushing onto a full ring drops the oldest.
type ring struct {
	buf   []models.Snapshot
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]models.Snapshot, capacity)}
}

func (r *ring) len() int { return r.n }

func (r *ring) push(s models.Snapshot) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) last() (models.Snapshot, bool) {
	if r.n == 0 {
		return models.Snapshot{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// items returns the snapshots oldest first in a new slice.
func (r *ring) items() []models.Snapshot {
	out := make([]models.Snapshot, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
