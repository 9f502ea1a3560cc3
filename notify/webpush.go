package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"petcam/video/process"
)

const (
	webPushTopic = "petcam_alert"
	webPushTTL   = 120
)

// VAPIDKey is the server's application key pair, created once and kept in
// the database so existing browser subscriptions stay valid across restarts.
type VAPIDKey struct {
	ID      uint `gorm:"primaryKey"`
	Public  string
	Private string
}

// PushSubscription is one browser registered for alerts.
type PushSubscription struct {
	gorm.Model

	Peer     string
	Endpoint string `gorm:"uniqueIndex"`
	P256dh   string `json:"-"`
	Auth     string `json:"-"`

	LastSuccess *time.Time
	LastFailure *time.Time
	LastError   string
	// Failures counts consecutive failed deliveries.
	Failures int
}

func (s *PushSubscription) target() *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: s.Endpoint,
		Keys:     webpush.Keys{P256dh: s.P256dh, Auth: s.Auth},
	}
}

// PushPayload is the JSON message rendered by the service worker.
type PushPayload struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	Box        [4]int    `json:"box"`
	Snapshot   string    `json:"snapshot,omitempty"`
	Time       time.Time `json:"time"`
}

func newPushPayload(n *Notification) *PushPayload {
	x, y, w, h := n.Detection.XYWH()
	p := &PushPayload{
		Title:      n.Message,
		Body:       fmt.Sprintf("%s at %s", n.Detection.Label, n.TimeString),
		Label:      n.Detection.Label,
		Confidence: n.Detection.Confidence,
		Box:        [4]int{x, y, w, h},
		Time:       n.Time,
	}
	if n.Identifier != "" {
		p.Snapshot = "snapshot?id=" + url.QueryEscape(n.Identifier)
	}
	return p
}

// PushError reports the subscribers a notification could not reach.
type PushError struct {
	Failed int
	Total  int
	// Err is the first failure.
	Err error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("%d of %d web push deliveries failed: %v", e.Failed, e.Total, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// WebPush delivers notifications to subscribed browsers.
type WebPush struct {
	Key *VAPIDKey
	// Subscriber is the contact (mailto: or URL) sent to push services.
	Subscriber string

	db *gorm.DB
}

func NewWebPush(db *gorm.DB, subscriber string) (*WebPush, error) {
	if err := db.AutoMigrate(&VAPIDKey{}, &PushSubscription{}); err != nil {
		return nil, fmt.Errorf("migrating push tables: %w", err)
	}

	key := &VAPIDKey{}
	err := db.First(key).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		key.Private, key.Public, err = webpush.GenerateVAPIDKeys()
		if err != nil {
			return nil, err
		}
		if err := db.Create(key).Error; err != nil {
			return nil, err
		}
		log.Infof("Generated new VAPID key pair")
	case err != nil:
		return nil, err
	}

	return &WebPush{Key: key, Subscriber: subscriber, db: db}, nil
}

func (p *WebPush) Name() string { return "webpush" }

func (p *WebPush) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/push_get_pubkey", p.handleGetPubkey)
	mux.HandleFunc("/push_get_subscriptions", p.handleGetSubscriptions)
	mux.HandleFunc("/push_subscribe", p.handleSubscribe)
	mux.HandleFunc("/push_unsubscribe", p.handleUnsubscribe)
	mux.HandleFunc("/push_test", p.handleTest)
}

func (p *WebPush) handleGetPubkey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, p.Key.Public)
}

// decodeSubscription reads the browser's PushSubscription from a POST body.
func decodeSubscription(r *http.Request) (*webpush.Subscription, int, error) {
	if r.Method != http.MethodPost {
		return nil, http.StatusMethodNotAllowed, errors.New("POST required")
	}
	sub := &webpush.Subscription{}
	if err := json.NewDecoder(r.Body).Decode(sub); err != nil {
		return nil, http.StatusBadRequest, err
	}
	if sub.Endpoint == "" {
		return nil, http.StatusBadRequest, errors.New("subscription has no endpoint")
	}
	return sub, http.StatusOK, nil
}

// handleSubscribe registers a browser. Subscribing an endpoint again refreshes
// its keys instead of failing.
func (p *WebPush) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sub, code, err := decodeSubscription(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}
	rec := &PushSubscription{}
	err = p.db.Where(PushSubscription{Endpoint: sub.Endpoint}).
		Assign(PushSubscription{Peer: r.RemoteAddr, P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth}).
		FirstOrCreate(rec).Error
	if err != nil {
		log.Errorf("Failed to store push subscription: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.WithField("addr", r.RemoteAddr).Infof("Push subscription %d registered", rec.ID)
}

func (p *WebPush) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sub, code, err := decodeSubscription(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}
	res := p.forget(sub.Endpoint)
	switch {
	case res.Error != nil:
		http.Error(w, res.Error.Error(), http.StatusInternalServerError)
	case res.RowsAffected == 0:
		http.Error(w, "subscription not found", http.StatusNotFound)
	default:
		log.WithField("addr", r.RemoteAddr).Infof("Push subscription removed")
	}
}

// forget hard deletes so the endpoint can subscribe again later.
func (p *WebPush) forget(endpoint string) *gorm.DB {
	return p.db.Unscoped().Where("endpoint = ?", endpoint).Delete(&PushSubscription{})
}

func (p *WebPush) handleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	var subs []*PushSubscription
	if err := p.db.Order("id").Find(&subs).Error; err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(subs); err != nil {
		log.Warnf("Failed to write subscriptions: %v", err)
	}
}

func (p *WebPush) handleTest(w http.ResponseWriter, r *http.Request) {
	n := NewNotification(time.Now(), "Test notification", process.Detection{
		Label:      "test",
		Confidence: 0.975,
	})
	if err := p.Notify(r.Context(), n); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// deliver pushes payload to one subscription. Subscriptions the push service
// no longer knows are dropped rather than reported as failures.
func (p *WebPush) deliver(ctx context.Context, s *PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, s.target(), &webpush.Options{
		Subscriber:      p.Subscriber,
		VAPIDPublicKey:  p.Key.Public,
		VAPIDPrivateKey: p.Key.Private,
		TTL:             webPushTTL,
		Urgency:         webpush.UrgencyHigh,
		Topic:           webPushTopic,
	})
	if err == nil {
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			log.Infof("Push service reports %v for subscription %d, removing it", resp.Status, s.ID)
			return p.forget(s.Endpoint).Error
		case resp.StatusCode/100 != 2:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err = fmt.Errorf("push service returned %v: %s", resp.Status, body)
		}
	}

	now := time.Now()
	updates := map[string]interface{}{"last_success": now, "failures": 0}
	if err != nil {
		updates = map[string]interface{}{
			"last_failure": now,
			"last_error":   err.Error(),
			"failures":     gorm.Expr("failures + 1"),
		}
	}
	if dbErr := p.db.Model(s).Updates(updates).Error; dbErr != nil {
		log.Errorf("Failed to record push result for subscription %d: %v", s.ID, dbErr)
	}
	return err
}

func (p *WebPush) Notify(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(newPushPayload(n))
	if err != nil {
		return err
	}

	var subs []*PushSubscription
	if err := p.db.Find(&subs).Error; err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *PushSubscription) {
			defer wg.Done()
			errs[i] = p.deliver(ctx, s, payload)
		}(i, s)
	}
	wg.Wait()

	perr := &PushError{Total: len(subs)}
	for i, err := range errs {
		if err == nil {
			continue
		}
		log.Warnf("Web push to subscription %d failed: %v", subs[i].ID, err)
		if perr.Err == nil {
			perr.Err = err
		}
		perr.Failed++
	}
	if perr.Failed > 0 {
		return perr
	}
	log.Debugf("Web push delivered to %d subscribers", len(subs))
	return nil
}
