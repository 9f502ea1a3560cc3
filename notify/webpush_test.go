package notify

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"petcam/util"
	"petcam/video/process"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "push.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func testSubscription(t *testing.T, endpoint string) *webpush.Subscription {
	t.Helper()
	curve := elliptic.P256()
	_, x, y, err := elliptic.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return &webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(elliptic.Marshal(curve, x, y)),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func subscribe(t *testing.T, mux *http.ServeMux, path string, sub *webpush.Subscription) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(sub)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
	return rec
}

func TestWebPushKeysPersist(t *testing.T) {
	db := openTestDB(t)
	p1, err := NewWebPush(db, "mailto:admin@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, p1.Key.Public)

	p2, err := NewWebPush(db, "mailto:admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, p1.Key.Public, p2.Key.Public)
	assert.Equal(t, p1.Key.Private, p2.Key.Private)

	mux := http.NewServeMux()
	p2.RegisterHandlers(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push_get_pubkey", nil))
	assert.Equal(t, p1.Key.Public, rec.Body.String())
}

func TestWebPushSubscribeUnsubscribe(t *testing.T) {
	p, err := NewWebPush(openTestDB(t), "mailto:admin@example.com")
	require.NoError(t, err)
	mux := http.NewServeMux()
	p.RegisterHandlers(mux)

	sub := testSubscription(t, "https://push.example.com/abc")
	assert.Equal(t, http.StatusOK, subscribe(t, mux, "/push_subscribe", sub).Code)
	// Browsers re-register the same endpoint on every page load.
	assert.Equal(t, http.StatusOK, subscribe(t, mux, "/push_subscribe", sub).Code)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push_get_subscriptions", nil))
	assert.NotContains(t, rec.Body.String(), sub.Keys.Auth)
	var subs []*PushSubscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, sub.Endpoint, subs[0].Endpoint)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/push_subscribe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.StatusBadRequest, subscribe(t, mux, "/push_subscribe", &webpush.Subscription{}).Code)

	assert.Equal(t, http.StatusOK, subscribe(t, mux, "/push_unsubscribe", sub).Code)
	assert.Equal(t, http.StatusNotFound, subscribe(t, mux, "/push_unsubscribe", sub).Code)
	assert.Equal(t, http.StatusOK, subscribe(t, mux, "/push_subscribe", sub).Code)
}

func pushService(t *testing.T, status map[string]int) (*httptest.Server, chan []byte) {
	t.Helper()
	received := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- b
		code, ok := status[r.URL.Path]
		if !ok {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func TestWebPushNotify(t *testing.T) {
	db := openTestDB(t)
	p, err := NewWebPush(db, "mailto:admin@example.com")
	require.NoError(t, err)
	mux := http.NewServeMux()
	p.RegisterHandlers(mux)

	push, received := pushService(t, map[string]int{"/gone": http.StatusGone})
	subscribe(t, mux, "/push_subscribe", testSubscription(t, push.URL+"/live"))
	subscribe(t, mux, "/push_subscribe", testSubscription(t, push.URL+"/gone"))

	n := NewNotification(time.Now(), "hamster", process.Detection{Label: "hamster", Confidence: 0.9})
	require.NoError(t, p.Notify(context.Background(), n))
	assert.Len(t, received, 2)

	var subs []*PushSubscription
	require.NoError(t, db.Find(&subs).Error)
	require.Len(t, subs, 1)
	assert.Equal(t, push.URL+"/live", subs[0].Endpoint)
	assert.NotNil(t, subs[0].LastSuccess)
	assert.Zero(t, subs[0].Failures)
}

func TestWebPushFailureReachesNotifier(t *testing.T) {
	db := openTestDB(t)
	p, err := NewWebPush(db, "mailto:admin@example.com")
	require.NoError(t, err)
	mux := http.NewServeMux()
	p.RegisterHandlers(mux)

	push, _ := pushService(t, map[string]int{"/broken": http.StatusInternalServerError})
	subscribe(t, mux, "/push_subscribe", testSubscription(t, push.URL+"/ok"))
	subscribe(t, mux, "/push_subscribe", testSubscription(t, push.URL+"/broken"))

	n := NewNotification(time.Now(), "hamster", process.Detection{Label: "hamster", Confidence: 0.9})
	err = p.Notify(context.Background(), n)
	var perr *PushError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Failed)
	assert.Equal(t, 2, perr.Total)
	assert.ErrorContains(t, err, "500")

	var broken PushSubscription
	require.NoError(t, db.Where("endpoint = ?", push.URL+"/broken").First(&broken).Error)
	assert.Equal(t, 1, broken.Failures)
	assert.NotNil(t, broken.LastFailure)
	assert.Contains(t, broken.LastError, "500")

	errBefore := testutil.ToFloat64(util.Notifications.WithLabelValues("webpush", "error"))
	okBefore := testutil.ToFloat64(util.Notifications.WithLabelValues("webpush", "ok"))
	notifier := &Notifier{Listeners: []Listener{p}, Timeout: 5 * time.Second}
	notifier.Send(n)
	notifier.Wait()
	assert.Equal(t, errBefore+1, testutil.ToFloat64(util.Notifications.WithLabelValues("webpush", "error")))
	assert.Equal(t, okBefore, testutil.ToFloat64(util.Notifications.WithLabelValues("webpush", "ok")))
}

func TestPushPayload(t *testing.T) {
	n := NewNotification(time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC), "Hamster moved", process.Detection{
		Label:      "hamster",
		Confidence: 0.8,
		Box:        image.Rect(10, 20, 110, 70),
	})
	n.Identifier = "20260102150400"

	pl := newPushPayload(n)
	assert.Equal(t, "Hamster moved", pl.Title)
	assert.Equal(t, "hamster at 3:04 PM", pl.Body)
	assert.Equal(t, [4]int{10, 20, 100, 50}, pl.Box)
	assert.Equal(t, "snapshot?id=20260102150400", pl.Snapshot)

	n.Identifier = ""
	assert.Empty(t, newPushPayload(n).Snapshot)
}
