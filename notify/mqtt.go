package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"petcam/util"
)

type MQTTOptions struct {
	// Broker is a URL such as tcp://localhost:1883.
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
}

// MQTTSink publishes detection events as JSON.
type MQTTSink struct {
	opts   MQTTOptions
	client mqtt.Client

	l         sync.Mutex
	connected bool
}

// NewMQTTSink connects to the broker. The client reconnects on its own after
// the initial connection succeeds.
func NewMQTTSink(opts MQTTOptions) (*MQTTSink, error) {
	if opts.Topic == "" {
		opts.Topic = "petcam/events"
	}
	s := &MQTTSink{opts: opts}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		s.setConnected(true)
		log.WithField("broker", opts.Broker).Info("MQTT connection established")
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.setConnected(false)
		log.WithField("broker", opts.Broker).Warnf("MQTT connection lost, will reconnect: %v", err)
	}

	s.client = mqtt.NewClient(co)
	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection to %v timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection to %v failed: %w", opts.Broker, err)
	}
	s.setConnected(true)
	return s, nil
}

func (s *MQTTSink) setConnected(c bool) {
	s.l.Lock()
	defer s.l.Unlock()
	s.connected = c
}

func (s *MQTTSink) isConnected() bool {
	s.l.Lock()
	defer s.l.Unlock()
	return s.connected
}

// Emit publishes without waiting for the broker to acknowledge.
func (s *MQTTSink) Emit(e *Event) {
	if !s.isConnected() {
		util.EventsDropped.WithLabelValues("mqtt").Inc()
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		log.Errorf("Failed to marshal event: %v", err)
		return
	}
	token := s.client.Publish(s.opts.Topic, s.opts.QoS, false, payload)
	go func() {
		if !token.WaitTimeout(2 * time.Second) {
			log.Warnf("MQTT publish to %v timed out", s.opts.Topic)
			util.EventsDropped.WithLabelValues("mqtt").Inc()
			return
		}
		if err := token.Error(); err != nil {
			log.Warnf("MQTT publish to %v failed: %v", s.opts.Topic, err)
			util.EventsDropped.WithLabelValues("mqtt").Inc()
		}
	}()
}

func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.setConnected(false)
}
