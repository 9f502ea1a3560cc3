package notify

import (
	"context"
	"os/exec"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"petcam/util"
)

type CommandOptions struct {
	// Path and Args form the command prefix; the event coordinates are
	// appended as flags.
	Path string
	Args []string
	// Dir is the working directory of the command.
	Dir string
	// QueueSize bounds the backlog of events waiting for the command.
	QueueSize int
	// Timeout bounds each invocation.
	Timeout time.Duration
}

// CommandSink runs an external command for each detection event, one at a
// time.
type CommandSink struct {
	opts  CommandOptions
	c     chan *Event
	close chan chan bool
	once  sync.Once

	// run is replaced in tests.
	run func(ctx context.Context, cmd *exec.Cmd) error
}

func NewCommandSink(opts CommandOptions) *CommandSink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	s := &CommandSink{
		opts:  opts,
		c:     make(chan *Event, opts.QueueSize),
		close: make(chan chan bool, 1),
		run: func(ctx context.Context, cmd *exec.Cmd) error {
			return cmd.Run()
		},
	}
	go s.loop()
	return s
}

// CommandArgs returns the flags passed to the command for e.
func CommandArgs(e *Event) []string {
	itoa := strconv.Itoa
	return []string{
		"--start_x", itoa(e.X),
		"--start_y", itoa(e.Y),
		"--end_x", itoa(e.X + e.W),
		"--end_y", itoa(e.Y + e.H),
		"--frame_height", itoa(e.FrameHeight),
		"--frame_width", itoa(e.FrameWidth),
	}
}

func (s *CommandSink) loop() {
	for {
		var e *Event
		select {
		case cc := <-s.close:
			cc <- true
			return
		case e = <-s.c:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		args := append(append([]string(nil), s.opts.Args...), CommandArgs(e)...)
		cmd := exec.CommandContext(ctx, s.opts.Path, args...)
		cmd.Dir = s.opts.Dir

		wait := make(chan error, 1)
		go func() {
			wait <- s.run(ctx, cmd)
		}()

		select {
		case cc := <-s.close:
			// Cancelling the context kills the process.
			cancel()
			<-wait
			cc <- true
			return
		case err := <-wait:
			cancel()
			if err != nil {
				log.Warnf("Event command %v failed for %v: %v", s.opts.Path, e.Label, err)
			} else {
				log.Debugf("Event command %v completed for %v", s.opts.Path, e.Label)
			}
		}
	}
}

func (s *CommandSink) Emit(e *Event) {
	select {
	case s.c <- e:
	default:
		log.Warnf("Event command dropped due to backlog")
		util.EventsDropped.WithLabelValues("command").Inc()
	}
}

// Close stops the worker, killing any command still running. Later calls
// return immediately.
func (s *CommandSink) Close() {
	s.once.Do(func() {
		c := make(chan bool)
		s.close <- c
		<-c
	})
}
