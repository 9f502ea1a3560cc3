package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

const DefaultLineNotifyURL = "https://notify-api.line.me/api/notify"

// LineNotify posts the message and snapshot to a LINE Notify style endpoint.
type LineNotify struct {
	URL   string
	Token string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

func (l *LineNotify) Name() string { return "line" }

func (l *LineNotify) Notify(ctx context.Context, n *Notification) error {
	if l.Token == "" {
		return errors.New("no API token configured")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("message", n.Message); err != nil {
		return err
	}
	if len(n.Image) > 0 {
		name := "snapshot.jpg"
		if n.ImagePath != "" {
			name = filepath.Base(n.ImagePath)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="imageFile"; filename="%s"`, name))
		h.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := part.Write(n.Image); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := l.URL
	if url == "" {
		url = DefaultLineNotifyURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+l.Token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		log.Warnf("LINE notify returned %v: %s", resp.Status, rb)
		return nil
	}
	log.Infof("LINE notify response: %s", rb)
	return nil
}
