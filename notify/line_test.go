package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petcam/video/process"
)

func TestLineNotifyRequest(t *testing.T) {
	type captured struct {
		auth, message, filename, fileType string
		file                             []byte
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		c := captured{
			auth:    r.Header.Get("Authorization"),
			message: r.FormValue("message"),
		}
		f, fh, err := r.FormFile("imageFile")
		if err == nil {
			c.filename = fh.Filename
			c.fileType = fh.Header.Get("Content-Type")
			c.file, _ = io.ReadAll(f)
			f.Close()
		}
		got <- c
		io.WriteString(w, `{"status":200,"message":"ok"}`)
	}))
	defer srv.Close()

	l := &LineNotify{URL: srv.URL, Token: "secret", Client: srv.Client()}
	n := NewNotification(time.Now(), "Hamster spotted", process.Detection{Label: "hamster"})
	n.Image = []byte{0xff, 0xd8, 0x01, 0xff, 0xd9}
	n.ImagePath = "/tmp/img/20210501120000.jpg"
	require.NoError(t, l.Notify(context.Background(), n))

	c := <-got
	assert.Equal(t, "Bearer secret", c.auth)
	assert.Equal(t, "Hamster spotted", c.message)
	assert.Equal(t, "20210501120000.jpg", c.filename)
	assert.Equal(t, "image/jpeg", c.fileType)
	assert.Equal(t, n.Image, c.file)
}

func TestLineNotifyServerErrorIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":401,"message":"Invalid access token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	l := &LineNotify{URL: srv.URL, Token: "bad", Client: srv.Client()}
	assert.NoError(t, l.Notify(context.Background(), NewNotification(time.Now(), "x", process.Detection{})))
}

func TestLineNotifyTransportErrors(t *testing.T) {
	l := &LineNotify{URL: "http://127.0.0.1:1", Token: "t"}
	assert.Error(t, l.Notify(context.Background(), NewNotification(time.Now(), "x", process.Detection{})))

	l = &LineNotify{URL: "http://127.0.0.1:1"}
	assert.Error(t, l.Notify(context.Background(), NewNotification(time.Now(), "x", process.Detection{})))
}
