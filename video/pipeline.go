package video

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"petcam/notify"
	"petcam/util"
	"petcam/video/process"
	"petcam/video/sink"
	"petcam/video/source"
)

const (
	DefaultInterval = 500 * time.Millisecond

	minNotReadyBackoff = 50 * time.Millisecond
	maxNotReadyBackoff = 2 * time.Second

	// detectCacheSize bounds how far a slow session may lag behind the
	// newest analyzed frame and still reuse its result.
	detectCacheSize = 8
)

// Alert selects which detections trigger a notification.
type Alert struct {
	// Labels restricts alerts to these labels. Empty alerts on any label.
	Labels []string
	// PerLabel throttles each label separately instead of sharing one
	// channel.
	PerLabel bool
	Message  string
}

func (a Alert) matches(label string) bool {
	if len(a.Labels) == 0 {
		return true
	}
	for _, l := range a.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Pipeline turns frames from Source into an annotated MJPEG stream, raising
// throttled alerts along the way. One Pipeline serves every client; Run is
// called once per client.
type Pipeline struct {
	Source *source.FrameSource
	// Detector may be nil to stream without analysis.
	Detector  process.Detector
	Throttles *notify.ThrottleGroup
	// Notifier, Snapshots and Events are optional.
	Notifier  *notify.Notifier
	Snapshots *Archive
	Events    notify.EventSink
	Annotator *process.Annotator

	// Interval is the pause between frames sent to one client.
	Interval time.Duration
	// Quality is the JPEG quality; zero uses the encoder default.
	Quality int

	l         sync.Mutex
	alert     Alert
	eventSeq  uint64
	sessionWG sync.WaitGroup

	// detectL serializes analysis so each frame reaches Detector at most
	// once, in capture order.
	detectL  sync.Mutex
	detected []detectResult
}

type detectResult struct {
	seq  uint64
	dets []process.Detection
}

func (p *Pipeline) SetAlert(a Alert) {
	p.l.Lock()
	defer p.l.Unlock()
	p.alert = a
}

func (p *Pipeline) Alert() Alert {
	p.l.Lock()
	defer p.l.Unlock()
	return p.alert
}

type sessionKey struct{}

// WithSession tags ctx with a session id used in log messages.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func sessionLog(ctx context.Context) *log.Entry {
	id, _ := ctx.Value(sessionKey{}).(string)
	return log.WithField("session", id)
}

// Run streams to w until ctx is cancelled or w fails, both of which return
// nil. A camera failure ends the stream with its *source.DeviceError.
func (p *Pipeline) Run(ctx context.Context, w sink.FrameWriter) error {
	p.sessionWG.Add(1)
	defer p.sessionWG.Done()

	slog := sessionLog(ctx)
	r := p.Source.NewReader()
	defer r.Close()
	util.StreamSessions.Inc()
	defer util.StreamSessions.Dec()

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	slog.Info("Stream session started")
	defer func() {
		slog.Infof("Stream session ended, skipped %d frames", r.Skipped())
	}()

	backoff := minNotReadyBackoff
	var lastSeq uint64
	for ctx.Err() == nil {
		frame, err := r.Latest(ctx)
		switch {
		case err == nil:
		case errors.Is(err, source.ErrNotReady):
			slog.Debugf("Camera not ready, retrying in %v", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			if backoff *= 2; backoff > maxNotReadyBackoff {
				backoff = maxNotReadyBackoff
			}
			continue
		case ctx.Err() != nil:
			return nil
		default:
			slog.Errorf("Ending stream: %v", err)
			return err
		}
		backoff = minNotReadyBackoff

		if frame.Seq == lastSeq {
			util.FramesSkipped.WithLabelValues("duplicate").Inc()
		} else {
			lastSeq = frame.Seq
			err = p.process(ctx, slog, frame, w)
		}
		frame.Release()
		if err != nil {
			slog.Infof("Client went away: %v", err)
			return nil
		}

		if !sleepCtx(ctx, interval) {
			return nil
		}
	}
	return nil
}

// process handles one frame. Only a write failure is returned.
func (p *Pipeline) process(ctx context.Context, slog *log.Entry, frame *source.Frame, w sink.FrameWriter) error {
	dets := p.detect(slog, frame)

	alert := p.Alert()
	var alertable []process.Detection
	for _, d := range dets {
		if alert.matches(d.Label) {
			alertable = append(alertable, d)
		}
	}
	p.emit(frame, alertable)

	out := frame
	if p.Annotator != nil && p.Annotator.Needed(dets) {
		out = p.Annotator.Annotate(frame, dets)
	}
	jpeg, err := sink.EncodeJPEG(out, p.Quality)
	if out != frame {
		out.Release()
	}
	if err != nil {
		slog.Warnf("Skipping frame: %v", err)
		util.FramesSkipped.WithLabelValues("encode").Inc()
		return nil
	}

	if len(alertable) > 0 {
		p.raise(slog, time.Now(), alert, alertable, jpeg)
	}

	if err := w.WriteFrame(jpeg); err != nil {
		return err
	}
	util.FramesStreamed.Inc()
	return nil
}

// detect returns the detections for frame, running Detector only for the
// first session to see it. The result slice is shared and must not be
// modified.
func (p *Pipeline) detect(slog *log.Entry, frame *source.Frame) []process.Detection {
	if p.Detector == nil {
		return nil
	}
	p.detectL.Lock()
	defer p.detectL.Unlock()

	for i := len(p.detected) - 1; i >= 0; i-- {
		if p.detected[i].seq == frame.Seq {
			return p.detected[i].dets
		}
	}
	if n := len(p.detected); n > 0 && frame.Seq < p.detected[n-1].seq {
		// Too old to analyze without rewinding the detector's state.
		util.FramesSkipped.WithLabelValues("stale_detect").Inc()
		return nil
	}

	dets := p.runDetector(slog, frame)
	if len(p.detected) == detectCacheSize {
		copy(p.detected, p.detected[1:])
		p.detected = p.detected[:detectCacheSize-1]
	}
	p.detected = append(p.detected, detectResult{seq: frame.Seq, dets: dets})
	return dets
}

func (p *Pipeline) runDetector(slog *log.Entry, frame *source.Frame) []process.Detection {
	name := p.Detector.Name()
	start := time.Now()
	dets, err := p.Detector.Detect(frame)
	util.DetectDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Warnf("Detection failed on frame %d: %v", frame.Seq, err)
		util.DetectErrors.WithLabelValues(name).Inc()
		return nil
	}
	for _, d := range dets {
		util.Detections.WithLabelValues(d.Label).Inc()
	}
	if len(dets) > 0 {
		slog.Debugf("Frame %d: %v", frame.Seq, process.DebugString(dets))
	}
	return dets
}

// emit forwards detections to the event sinks once per frame, no matter how
// many sessions analyzed it.
func (p *Pipeline) emit(frame *source.Frame, dets []process.Detection) {
	if p.Events == nil || len(dets) == 0 {
		return
	}
	p.l.Lock()
	if frame.Seq <= p.eventSeq {
		p.l.Unlock()
		return
	}
	p.eventSeq = frame.Seq
	p.l.Unlock()

	for _, d := range dets {
		p.Events.Emit(notify.NewEvent(frame.Time, d, frame.Width(), frame.Height()))
	}
}

// raise fires at most one alert per throttle channel.
func (p *Pipeline) raise(slog *log.Entry, now time.Time, alert Alert, dets []process.Detection, jpeg []byte) {
	if p.Throttles == nil {
		return
	}
	// Best detection per channel; dets are ordered by confidence.
	best := make(map[string]process.Detection)
	var channels []string
	for _, d := range dets {
		ch := notify.DefaultChannel
		if alert.PerLabel {
			ch = d.Label
		}
		if b, ok := best[ch]; !ok || d.Confidence > b.Confidence {
			if !ok {
				channels = append(channels, ch)
			}
			best[ch] = d
		}
	}

	for _, ch := range channels {
		if !p.Throttles.For(ch).ShouldFire(now, true) {
			continue
		}
		d := best[ch]
		slog.Infof("Alert on %v channel: %v", ch, d)

		n := notify.NewNotification(now, alert.Message, d)
		n.Image = jpeg
		if p.Snapshots != nil {
			rec, err := p.Snapshots.Save(now, jpeg)
			if err != nil {
				slog.Errorf("Failed to save snapshot: %v", err)
			} else {
				n.Identifier = rec.ID
				n.ImagePath = rec.Path
			}
		}
		if p.Notifier != nil {
			p.Notifier.Send(n)
		}
	}
}

// Wait blocks until every running session has returned.
func (p *Pipeline) Wait() {
	p.sessionWG.Wait()
}

// sleepCtx waits for d and reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
