package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"petcam/notify"
	"petcam/util"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	clientBacklog = 16
)

type socketMessage struct {
	Type  string        `json:"type"`
	Event *notify.Event `json:"event,omitempty"`
}

// EventsSocket pushes detection events and snapshot list changes to browsers
// over a websocket.
type EventsSocket struct {
	upgrader websocket.Upgrader
	cs       map[chan []byte]bool
	addc     chan chan []byte
	delc     chan chan []byte
	msgc     chan []byte
	close    chan chan bool
	done     chan struct{}
}

func NewEventsSocket() *EventsSocket {
	m := &EventsSocket{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:    make(map[chan []byte]bool),
		addc:  make(chan chan []byte),
		delc:  make(chan chan []byte),
		msgc:  make(chan []byte, clientBacklog),
		close: make(chan chan bool),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case c := <-m.addc:
				m.cs[c] = true
			case c := <-m.delc:
				delete(m.cs, c)
			case msg := <-m.msgc:
				for k := range m.cs {
					select {
					case k <- msg:
					default:
						// Slow client; it catches up on the next update.
						util.EventsDropped.WithLabelValues("websocket").Inc()
					}
				}
			case cc := <-m.close:
				for k := range m.cs {
					close(k)
				}
				m.cs = nil
				close(m.done)
				cc <- true
				return
			}
		}
	}()
	return m
}

func (m *EventsSocket) broadcast(msg *socketMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Failed to marshal socket message: %v", err)
		return
	}
	select {
	case m.msgc <- b:
	case <-m.done:
	default:
		util.EventsDropped.WithLabelValues("websocket").Inc()
	}
}

// ArchiveUpdated tells clients to refresh their snapshot list.
func (m *EventsSocket) ArchiveUpdated() {
	m.broadcast(&socketMessage{Type: "update"})
}

func (m *EventsSocket) Emit(e *notify.Event) {
	m.broadcast(&socketMessage{Type: "event", Event: e})
}

// Close disconnects every client. The socket must not be used afterwards.
func (m *EventsSocket) Close() {
	c := make(chan bool)
	m.close <- c
	<-c
}

func (m *EventsSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for events socket: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *EventsSocket) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to events socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from events socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	msgc := make(chan []byte, clientBacklog)
	select {
	case m.addc <- msgc:
	case <-m.done:
		return
	}
	defer func() {
		select {
		case m.delc <- msgc:
		case <-m.done:
		}
	}()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-msgc:
			if !ok {
				ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}
