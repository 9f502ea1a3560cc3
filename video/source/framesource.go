package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"petcam/util"
)

type Options struct {
	// StartupTimeout bounds how long Latest waits for the first frame.
	StartupTimeout time.Duration
	// MaxFPS caps the acquisition rate. Zero reads as fast as the device allows.
	MaxFPS float64
	// MaxReadFailures is the number of consecutive failed reads after which
	// the device is considered lost.
	MaxReadFailures int
	// PoolLimit is the buffer count above which the MatPool warns of a leak.
	PoolLimit int
}

func (o Options) withDefaults() Options {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 2 * time.Second
	}
	if o.MaxReadFailures <= 0 {
		o.MaxReadFailures = 50
	}
	if o.PoolLimit <= 0 {
		o.PoolLimit = 64
	}
	return o
}

// FrameSource runs a dedicated acquisition loop and keeps only the most
// recently captured frame. Any number of readers may sample it concurrently;
// a reader slower than the camera simply skips frames.
type FrameSource struct {
	open Opener
	opts Options
	pool *MatPool

	l      sync.Mutex
	dev    Device
	latest *Frame
	seq    uint64
	err    error
	cancel context.CancelFunc
	done   chan struct{}

	ready    *util.Event // first frame published
	dead     *util.Event // loop terminated
	readers  int64
	stopOnce sync.Once
	stopErr  error
}

func New(open Opener, opts Options) *FrameSource {
	opts = opts.withDefaults()
	return &FrameSource{
		open:  open,
		opts:  opts,
		pool:  NewMatPool(opts.PoolLimit),
		done:  make(chan struct{}),
		ready: util.NewEvent(),
		dead:  util.NewEvent(),
	}
}

// Start opens the device and begins acquisition. The loop runs until Stop is
// called or ctx is cancelled.
func (s *FrameSource) Start(ctx context.Context) error {
	s.l.Lock()
	defer s.l.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("frame source already started")
	}
	dev, err := s.open()
	if err != nil {
		return &DeviceError{Op: "open", Err: err}
	}
	s.dev = dev
	lctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(lctx, dev)
	return nil
}

func (s *FrameSource) loop(ctx context.Context, dev Device) {
	defer close(s.done)

	var frameDur time.Duration
	if s.opts.MaxFPS > 0 {
		frameDur = time.Duration(float64(time.Second) / s.opts.MaxFPS)
	}

	failures := 0
	for ctx.Err() == nil {
		start := time.Now()
		m := s.pool.Get()
		if ok := dev.Read(&m); !ok || m.Empty() {
			s.pool.Put(m)
			util.FrameReadFailures.Inc()
			failures++
			if failures == 1 {
				log.Warnf("Camera read failure, retrying")
			}
			if failures >= s.opts.MaxReadFailures {
				err := &DeviceError{Op: "read", Err: fmt.Errorf("%d consecutive read failures", failures)}
				log.Errorf("Giving up on camera: %v", err)
				s.fail(err)
				return
			}
			sleepCtx(ctx, 10*time.Millisecond)
			continue
		}
		if failures > 0 {
			log.Infof("Camera recovered after %d failed reads", failures)
			failures = 0
		}
		s.publish(m, time.Now())

		if frameDur > 0 {
			sleepCtx(ctx, frameDur-time.Since(start))
		}
	}
	s.fail(&DeviceError{Op: "read", Err: ErrStopped})
}

func (s *FrameSource) publish(m gocv.Mat, t time.Time) {
	s.l.Lock()
	s.seq++
	f := &Frame{Mat: m, Time: t, Seq: s.seq, refs: 1, pool: s.pool}
	old := s.latest
	s.latest = f
	s.l.Unlock()

	if old != nil {
		old.Release()
	}
	util.FramesCaptured.Inc()
	s.ready.Notify()
}

func (s *FrameSource) fail(err error) {
	s.l.Lock()
	if s.err == nil {
		s.err = err
	}
	s.l.Unlock()
	s.dead.Notify()
}

// current returns a retained frame, the terminal error, or neither if no
// frame has been published yet.
func (s *FrameSource) current() (*Frame, error) {
	s.l.Lock()
	defer s.l.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.latest != nil {
		return s.latest.Retain(), nil
	}
	return nil, nil
}

// Latest returns the most recent frame, which the caller must Release. It
// does not block once the first frame has arrived; before that it waits up to
// StartupTimeout and then fails with ErrNotReady. After the camera has failed
// or the source has been stopped, a *DeviceError is returned.
func (s *FrameSource) Latest(ctx context.Context) (*Frame, error) {
	if f, err := s.current(); f != nil || err != nil {
		return f, err
	}

	t := time.NewTimer(s.opts.StartupTimeout)
	defer t.Stop()
	select {
	case <-s.ready.Done():
	case <-s.dead.Done():
	case <-t.C:
		return nil, ErrNotReady
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f, err := s.current(); f != nil || err != nil {
		return f, err
	}
	return nil, ErrNotReady
}

// Stop halts acquisition and releases the device. It is safe to call more
// than once; later calls return the result of the first.
func (s *FrameSource) Stop() error {
	s.stopOnce.Do(func() {
		s.l.Lock()
		cancel := s.cancel
		s.l.Unlock()
		if cancel != nil {
			cancel()
			<-s.done
		}

		s.l.Lock()
		if s.err == nil {
			s.err = &DeviceError{Op: "read", Err: ErrStopped}
		}
		old := s.latest
		s.latest = nil
		dev := s.dev
		s.dev = nil
		s.l.Unlock()

		if old != nil {
			old.Release()
		}
		if dev != nil {
			s.stopErr = dev.Close()
		}
		s.pool.Close()
		s.dead.Notify()
		log.Infof("Frame source stopped after %d frames", s.seq)
	})
	return s.stopErr
}

// Readers returns the number of open Reader handles.
func (s *FrameSource) Readers() int {
	return int(atomic.LoadInt64(&s.readers))
}

// NewReader opens a read handle for one consumer. It must be closed.
func (s *FrameSource) NewReader() *Reader {
	atomic.AddInt64(&s.readers, 1)
	util.FrameReaders.Inc()
	return &Reader{src: s}
}

// ErrReaderClosed is returned by Reader.Latest after Close.
var ErrReaderClosed = errors.New("frame reader closed")

// Reader is a single consumer's view of a FrameSource. Frames returned by one
// Reader never go backwards in capture order.
type Reader struct {
	src     *FrameSource
	last    uint64
	skipped uint64
	closed  int32
}

func (r *Reader) Latest(ctx context.Context) (*Frame, error) {
	if atomic.LoadInt32(&r.closed) != 0 {
		return nil, ErrReaderClosed
	}
	f, err := r.src.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if r.last > 0 && f.Seq > r.last+1 {
		r.skipped += f.Seq - r.last - 1
	}
	r.last = f.Seq
	return f, nil
}

// Skipped returns how many published frames this reader never saw.
func (r *Reader) Skipped() uint64 {
	return r.skipped
}

func (r *Reader) Close() {
	if atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		atomic.AddInt64(&r.src.readers, -1)
		util.FrameReaders.Dec()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
