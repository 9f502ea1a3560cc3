package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// fakeDevice produces single-channel frames whose every pixel equals the read
// count modulo 256.
type fakeDevice struct {
	delay     time.Duration
	failAfter int32

	reads  int32
	closed int32
}

func (d *fakeDevice) Read(m *gocv.Mat) bool {
	n := atomic.AddInt32(&d.reads, 1)
	time.Sleep(d.delay)
	if d.failAfter > 0 && n > d.failAfter {
		return false
	}
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(n%256), 0, 0, 0), 48, 64, gocv.MatTypeCV8UC1)
	defer img.Close()
	img.CopyTo(m)
	return true
}

func (d *fakeDevice) Close() error {
	atomic.AddInt32(&d.closed, 1)
	return nil
}

func openerFor(d Device) Opener {
	return func() (Device, error) { return d, nil }
}

func TestStartFailsWithDeviceError(t *testing.T) {
	s := New(func() (Device, error) { return nil, errors.New("no camera") }, Options{})
	err := s.Start(context.Background())

	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "open", de.Op)
	assert.NoError(t, s.Stop())
}

func TestLatestNotReadyBeforeFirstFrame(t *testing.T) {
	dev := &fakeDevice{delay: time.Second}
	s := New(openerFor(dev), Options{StartupTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	start := time.Now()
	_, err := s.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLatestAndStop(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	s := New(openerFor(dev), Options{})
	require.NoError(t, s.Start(context.Background()))

	f, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64, f.Width())
	assert.Equal(t, 48, f.Height())
	assert.Equal(t, 1, f.Channels())
	assert.False(t, f.Time.IsZero())
	f.Release()

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), atomic.LoadInt32(&dev.closed))

	_, err = s.Latest(context.Background())
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestReadFailuresBecomeDeviceError(t *testing.T) {
	dev := &fakeDevice{failAfter: 3}
	s := New(openerFor(dev), Options{MaxReadFailures: 5, StartupTimeout: time.Second})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, err := s.Latest(context.Background())
		var de *DeviceError
		return errors.As(err, &de) && de.Op == "read"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentReadersNeverSeeTornFrames(t *testing.T) {
	dev := &fakeDevice{}
	s := New(openerFor(dev), Options{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.NewReader()
			defer r.Close()
			var last uint64
			for j := 0; j < 200; j++ {
				f, err := r.Latest(context.Background())
				if err != nil {
					errs <- err
					return
				}
				minVal, maxVal, _, _ := gocv.MinMaxLoc(f.Mat)
				want := float32(f.Seq % 256)
				if minVal != maxVal || minVal != want {
					errs <- errors.New("torn frame observed")
				}
				if f.Seq < last {
					errs <- errors.New("frame order went backwards")
				}
				last = f.Seq
				f.Release()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, s.Readers())
}

func TestReaderHandles(t *testing.T) {
	s := New(openerFor(&fakeDevice{}), Options{})
	r1 := s.NewReader()
	r2 := s.NewReader()
	assert.Equal(t, 2, s.Readers())

	r1.Close()
	r1.Close()
	assert.Equal(t, 1, s.Readers())

	_, err := r1.Latest(context.Background())
	assert.ErrorIs(t, err, ErrReaderClosed)

	r2.Close()
	assert.Equal(t, 0, s.Readers())
}

func TestFrameRetainRelease(t *testing.T) {
	f := NewFrame(gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3), time.Now())
	f.Retain()
	f.Release()

	c := f.Clone()
	f.Release()
	assert.Panics(t, func() { f.Release() })

	assert.Equal(t, 4, c.Width())
	c.Release()
}

func TestMatPoolReuse(t *testing.T) {
	p := NewMatPool(0)
	m := p.Get()
	assert.Equal(t, 1, p.Allocated())
	p.Put(m)
	m = p.Get()
	assert.Equal(t, 1, p.Allocated())

	p.Close()
	p.Put(m)
	assert.Equal(t, 0, p.Allocated())
}
