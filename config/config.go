package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
)

type CameraConfig struct {
	// URI is a device index such as "0", or a file or stream URL.
	URI    string
	Width  int
	Height int
	FPS    float64
}

type DetectorConfig struct {
	// Kind is one of "motion", "ssd", "yolo" or "none".
	Kind string

	// Motion detector.
	Alpha     float64
	Threshold float32
	MinArea   float64

	// Object detectors.
	Model       string
	ModelConfig string
	// LabelsPath optionally replaces the built in label table.
	LabelsPath string
	// Confidence, when positive, replaces the model's own threshold.
	Confidence float32
	Targets    []string
	// Veto drops every detection of a frame that contains one of these labels.
	Veto []string
}

type StreamConfig struct {
	IntervalMs int
	Quality    int
	Timestamp  bool
}

type AlertConfig struct {
	Labels      []string
	PerLabel    bool
	Message     string
	IntervalSec int

	// Notifications are suppressed from QuietHoursStart to QuietHoursEnd.
	QuietHoursStart int
	QuietHoursEnd   int
}

type LineConfig struct {
	URL   string
	Token string
}

type SnapshotConfig struct {
	Path    string
	MaxSize int64
}

type WebPushConfig struct {
	Enabled bool
	// DSN is a MySQL data source name; empty uses a SQLite file in the
	// snapshot directory.
	DSN        string
	Subscriber string
}

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

type CommandConfig struct {
	Path string
	Args []string
	Dir  string
}

type ServerConfig struct {
	Port    int
	TLSCert string
	TLSKey  string
}

type Config struct {
	// Name is shown in the timestamp overlay.
	Name string

	Camera    CameraConfig
	Detector  DetectorConfig
	Stream    StreamConfig
	Alert     AlertConfig
	Line      LineConfig
	Snapshots SnapshotConfig
	WebPush   WebPushConfig
	MQTT      MQTTConfig
	Command   CommandConfig
	Server    ServerConfig
}

func Default() *Config {
	return &Config{
		Name: "petcam",
		Camera: CameraConfig{
			URI:    "0",
			Width:  640,
			Height: 480,
			FPS:    8,
		},
		Detector: DetectorConfig{
			Kind:      "motion",
			Alpha:     0.01,
			Threshold: 15,
			MinArea:   500,
		},
		Stream: StreamConfig{
			IntervalMs: 500,
			Quality:    80,
		},
		Alert: AlertConfig{
			Message:     "Motion detected",
			IntervalSec: 600,
		},
		Snapshots: SnapshotConfig{
			Path:    "img",
			MaxSize: 1 << 30, // 1 GiB
		},
		WebPush: WebPushConfig{
			Subscriber: "mailto:admin@localhost",
		},
		MQTT: MQTTConfig{
			Topic:    "petcam/events",
			ClientID: "petcam",
		},
		Server: ServerConfig{
			Port: 5000,
		},
	}
}

// StreamInterval is the pause between frames sent to one client.
func (c *Config) StreamInterval() time.Duration {
	return time.Duration(c.Stream.IntervalMs) * time.Millisecond
}

// AlertInterval is the minimum time between notifications on one channel.
func (c *Config) AlertInterval() time.Duration {
	return time.Duration(c.Alert.IntervalSec) * time.Second
}

func (c *Config) Validate() error {
	switch c.Detector.Kind {
	case "motion", "none":
	case "ssd", "yolo":
		if c.Detector.Model == "" {
			return fmt.Errorf("detector %q requires a model", c.Detector.Kind)
		}
	default:
		return fmt.Errorf("unknown detector kind %q", c.Detector.Kind)
	}
	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		return fmt.Errorf("detector confidence %v out of range [0, 1]", c.Detector.Confidence)
	}
	if c.Alert.IntervalSec < 0 {
		return fmt.Errorf("negative alert interval %d", c.Alert.IntervalSec)
	}
	for _, h := range []int{c.Alert.QuietHoursStart, c.Alert.QuietHoursEnd} {
		if h < 0 || h > 23 {
			return fmt.Errorf("quiet hour %d out of range [0, 23]", h)
		}
	}
	if c.Stream.IntervalMs <= 0 {
		return fmt.Errorf("stream interval must be positive, got %d ms", c.Stream.IntervalMs)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("TLS needs both a certificate and a key")
	}
	return nil
}

// ApplyEnv overrides c with values from the environment, as returned by
// lookup (normally os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, set func(string) error) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := set(v); err != nil {
			return fmt.Errorf("environment %s=%q: %w", key, v, err)
		}
		return nil
	}
	setInt := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			*dst = n
			return err
		}
	}
	setFloat := func(dst *float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			*dst = f
			return err
		}
	}

	str("CAMERA_URI", &c.Camera.URI)
	str("LINE_API_TOKEN", &c.Line.Token)
	str("TLS_CERT", &c.Server.TLSCert)
	str("TLS_KEY", &c.Server.TLSKey)
	str("MQTT_BROKER", &c.MQTT.Broker)

	conf := float64(c.Detector.Confidence)
	for _, e := range []error{
		num("NOTIFY_INTERVAL_SEC", setInt(&c.Alert.IntervalSec)),
		num("MOTION_MIN_AREA", setFloat(&c.Detector.MinArea)),
		num("DETECT_CONFIDENCE", setFloat(&conf)),
		num("CAMERA_WIDTH", setInt(&c.Camera.Width)),
		num("CAMERA_HEIGHT", setInt(&c.Camera.Height)),
		num("CAMERA_FPS", setFloat(&c.Camera.FPS)),
		num("PORT", setInt(&c.Server.Port)),
	} {
		if e != nil {
			return e
		}
	}
	c.Detector.Confidence = float32(conf)
	return nil
}

// FromFile loads the configuration at path over the defaults, then applies
// environment overrides. An empty path yields the defaults.
func FromFile(path string) (*Config, error) {
	config := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		p := json.NewDecoder(f)
		p.DisallowUnknownFields()
		if err := p.Decode(config); err != nil {
			return nil, fmt.Errorf("parsing %v: %w", path, err)
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	log.Debugf("Loaded configuration: %v", spew.Sdump(config.redacted()))
	return config, nil
}

func (c *Config) redacted() Config {
	r := *c
	if r.Line.Token != "" {
		r.Line.Token = "REDACTED"
	}
	if r.MQTT.Password != "" {
		r.MQTT.Password = "REDACTED"
	}
	return r
}
