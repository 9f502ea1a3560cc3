package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"petcam/util"
	"petcam/video/process"
)

const DefaultTimeout = 30 * time.Second

// Notification is sent to all Listeners registered with Notifier.
type Notification struct {
	Time       time.Time
	TimeString string
	// Identifier names the snapshot saved for this alert, if any.
	Identifier string
	Message    string
	Detection  process.Detection

	Image     []byte `json:"-"`
	ImagePath string `json:"-"`
}

func NewNotification(t time.Time, message string, d process.Detection) *Notification {
	return &Notification{
		Time:       t,
		TimeString: t.Format("3:04 PM"),
		Message:    message,
		Detection:  d,
	}
}

type Listener interface {
	Notify(ctx context.Context, n *Notification) error
}

// DeliveryError is logged when a listener fails to deliver a notification.
type DeliveryError struct {
	Listener string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery via %s failed: %v", e.Listener, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func listenerName(l Listener) string {
	if n, ok := l.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", l)
}

// Notifier fans a notification out to its listeners without blocking the
// caller. Listeners and Timeout must be set before the first Send; quiet hours
// may be changed at any time with SetQuietHours.
type Notifier struct {
	Listeners []Listener
	// Timeout bounds each listener's delivery. Zero uses DefaultTimeout.
	Timeout time.Duration

	l          sync.Mutex
	quietStart int
	quietEnd   int

	wg sync.WaitGroup
}

// SetQuietHours suppresses delivery from hour start (inclusive) to hour end
// (exclusive), wrapping past midnight when start > end. Equal values disable
// quiet hours.
func (n *Notifier) SetQuietHours(start, end int) {
	n.l.Lock()
	defer n.l.Unlock()
	n.quietStart, n.quietEnd = start, end
}

func (n *Notifier) InQuietHours(t time.Time) bool {
	n.l.Lock()
	start, end := n.quietStart, n.quietEnd
	n.l.Unlock()

	h := t.Hour()
	switch {
	case start == end:
		return false
	case start < end:
		return h >= start && h < end
	default:
		return h >= start || h < end
	}
}

// Send delivers notification to every listener in the background.
func (n *Notifier) Send(notification *Notification) {
	if n.InQuietHours(notification.Time) {
		log.Infof("Would send notification, but currently in quiet hours.")
		util.Notifications.WithLabelValues("all", "quiet").Inc()
		return
	}

	log.Infof("Sending notification: %v", spew.Sdump(notification.Detection))
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	for _, l := range n.Listeners {
		n.wg.Add(1)
		go func(l Listener) {
			defer n.wg.Done()
			name := listenerName(l)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := l.Notify(ctx, notification); err != nil {
				log.Errorf("Failed to send notification: %v", &DeliveryError{Listener: name, Err: err})
				util.Notifications.WithLabelValues(name, "error").Inc()
				return
			}
			util.Notifications.WithLabelValues(name, "ok").Inc()
		}(l)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
