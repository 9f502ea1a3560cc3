package source

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// MatPool recycles frame buffers so that the acquisition loop does not
// allocate a new Mat for every captured frame.
type MatPool struct {
	limit int

	l         sync.Mutex
	available []gocv.Mat
	allocated int
	warned    bool
	closed    bool
}

// NewMatPool creates a pool which warns once when more than limit Mats are
// outstanding. A limit of zero disables the warning.
func NewMatPool(limit int) *MatPool {
	return &MatPool{limit: limit}
}

func (p *MatPool) Get() gocv.Mat {
	p.l.Lock()
	defer p.l.Unlock()
	if n := len(p.available); n > 0 {
		m := p.available[n-1]
		p.available = p.available[:n-1]
		return m
	}
	p.allocated++
	if p.limit > 0 && p.allocated > p.limit && !p.warned {
		p.warned = true
		log.Warnf("MatPool has %d allocations. Perhaps a Frame isn't being released?", p.allocated)
	}
	return gocv.NewMat()
}

// Put returns m to the pool. Mats returned after Close are freed instead.
func (p *MatPool) Put(m gocv.Mat) {
	p.l.Lock()
	defer p.l.Unlock()
	if p.closed {
		m.Close()
		p.allocated--
		return
	}
	p.available = append(p.available, m)
}

// Allocated returns the number of Mats created by the pool and not yet freed.
func (p *MatPool) Allocated() int {
	p.l.Lock()
	defer p.l.Unlock()
	return p.allocated
}

func (p *MatPool) Close() {
	p.l.Lock()
	defer p.l.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, m := range p.available {
		m.Close()
		p.allocated--
	}
	p.available = nil
}
