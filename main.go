package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"petcam/config"
	"petcam/notify"
	"petcam/serve"
	"petcam/video"
	"petcam/video/process"
	"petcam/video/source"
)

var (
	configPath = flag.String("config", "", "Path to the JSON configuration file.")
	envPath    = flag.String("env", ".env", "Optional file of environment overrides.")
	port       = flag.Int("port", 0, "Port to host web frontend. Overrides the configuration.")
	verbose    = flag.Bool("v", false, "Enable debug logging.")
)

func motionOptions(dc config.DetectorConfig) process.MotionOptions {
	return process.MotionOptions{
		Alpha:     dc.Alpha,
		Threshold: dc.Threshold,
		MinArea:   dc.MinArea,
	}
}

// objectOptions starts from the model kind's defaults and applies only the
// settings the configuration gives explicitly.
func objectOptions(dc config.DetectorConfig) (process.ObjectOptions, error) {
	var opts process.ObjectOptions
	switch dc.Kind {
	case "ssd":
		opts = process.DefaultSSDOptions()
	case "yolo":
		opts = process.DefaultYOLOOptions()
	default:
		return opts, fmt.Errorf("%q is not an object detector", dc.Kind)
	}
	opts.Model = dc.Model
	opts.Config = dc.ModelConfig
	if len(dc.Targets) > 0 {
		opts.Targets = dc.Targets
	}
	if len(dc.Veto) > 0 {
		opts.Veto = dc.Veto
	}
	if dc.Confidence > 0 {
		opts.Confidence = dc.Confidence
	}
	if dc.LabelsPath != "" {
		labels, err := process.LoadLabels(dc.LabelsPath)
		if err != nil {
			return opts, fmt.Errorf("loading labels: %w", err)
		}
		opts.Labels = labels
	}
	return opts, nil
}

func newDetector(cfg *config.Config) (process.Detector, error) {
	switch cfg.Detector.Kind {
	case "none":
		return nil, nil
	case "motion":
		return process.NewMotionDetector(motionOptions(cfg.Detector)), nil
	}
	opts, err := objectOptions(cfg.Detector)
	if err != nil {
		return nil, err
	}
	return process.NewObjectDetector(opts)
}

// restartSettings strips the detector settings that are applied live, and
// those the configured kind does not use.
func restartSettings(dc config.DetectorConfig) config.DetectorConfig {
	if dc.Kind == "motion" {
		return config.DetectorConfig{Kind: dc.Kind}
	}
	dc.Alpha, dc.Threshold, dc.MinArea = 0, 0, 0
	return dc
}

// applyDetectorChange retunes detector for next and reports whether the rest
// of the change needs a restart.
func applyDetectorChange(detector process.Detector, prev, next config.DetectorConfig) bool {
	if md, ok := detector.(*process.MotionDetector); ok && next.Kind == "motion" {
		if opts := motionOptions(next); opts != md.Options() {
			log.Infof("Motion detector retuned: %+v", opts)
			md.SetOptions(opts)
		}
	}
	return !reflect.DeepEqual(restartSettings(prev), restartSettings(next))
}

func openPushDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.WebPush.DSN != "" {
		return gorm.Open(mysql.Open(cfg.WebPush.DSN), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(filepath.Join(cfg.Snapshots.Path, "webpush.db")), &gorm.Config{})
}

func alertFrom(cfg *config.Config) video.Alert {
	return video.Alert{
		Labels:   cfg.Alert.Labels,
		PerLabel: cfg.Alert.PerLabel,
		Message:  cfg.Alert.Message,
	}
}

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := config.LoadEnvFile(*envPath); err != nil {
		log.Fatalf("Failed to load %v: %v", *envPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Load(ctx, *configPath); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.Get()
	listenPort := cfg.Server.Port
	if *port != 0 {
		listenPort = *port
	}

	detector, err := newDetector(cfg)
	if err != nil {
		log.Fatalf("Failed to create detector: %v", err)
	}

	src := source.New(
		source.VideoCaptureOpener(cfg.Camera.URI, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS),
		source.Options{MaxFPS: cfg.Camera.FPS},
	)
	if err := src.Start(ctx); err != nil {
		log.Fatalf("Failed to start camera: %v", err)
	}

	archive, err := video.NewArchive(video.ArchiveOptions{
		BasePath: cfg.Snapshots.Path,
		MaxSize:  cfg.Snapshots.MaxSize,
	})
	if err != nil {
		log.Fatalf("Failed to open snapshot archive: %v", err)
	}

	notifier := &notify.Notifier{}
	notifier.SetQuietHours(cfg.Alert.QuietHoursStart, cfg.Alert.QuietHoursEnd)
	if cfg.Line.Token != "" {
		notifier.Listeners = append(notifier.Listeners, &notify.LineNotify{
			URL:   cfg.Line.URL,
			Token: cfg.Line.Token,
		})
	} else {
		log.Warnf("LINE_API_TOKEN not set, LINE notifications disabled")
	}

	mux := http.NewServeMux()

	var push *notify.WebPush
	if cfg.WebPush.Enabled {
		db, err := openPushDB(cfg)
		if err != nil {
			log.Fatalf("Failed to open web push database: %v", err)
		}
		if push, err = notify.NewWebPush(db, cfg.WebPush.Subscriber); err != nil {
			log.Fatalf("Failed to set up web push: %v", err)
		}
		push.RegisterHandlers(mux)
		notifier.Listeners = append(notifier.Listeners, push)
	}

	eventsws := serve.NewEventsSocket()
	archive.Listeners = append(archive.Listeners, eventsws) // Receive archive updates

	sinks := notify.MultiSink{eventsws}
	var closers []func()
	if cfg.MQTT.Broker != "" {
		ms, err := notify.NewMQTTSink(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			log.Errorf("MQTT events disabled: %v", err)
		} else {
			sinks = append(sinks, ms)
			closers = append(closers, ms.Close)
		}
	}
	if cfg.Command.Path != "" {
		cs := notify.NewCommandSink(notify.CommandOptions{
			Path: cfg.Command.Path,
			Args: cfg.Command.Args,
			Dir:  cfg.Command.Dir,
		})
		sinks = append(sinks, cs)
		closers = append(closers, cs.Close)
	}

	throttles := notify.NewThrottleGroup(cfg.AlertInterval())
	pipeline := &video.Pipeline{
		Source:    src,
		Detector:  detector,
		Throttles: throttles,
		Notifier:  notifier,
		Snapshots: archive,
		Events:    sinks,
		Annotator: process.NewAnnotator(cfg.Name, cfg.Stream.Timestamp),
		Interval:  cfg.StreamInterval(),
		Quality:   cfg.Stream.Quality,
	}
	pipeline.SetAlert(alertFrom(cfg))

	config.OnChange(func(prev, next *config.Config) {
		throttles.SetMinInterval(next.AlertInterval())
		notifier.SetQuietHours(next.Alert.QuietHoursStart, next.Alert.QuietHoursEnd)
		pipeline.SetAlert(alertFrom(next))
		if prev.Camera != next.Camera {
			log.Warnf("Camera changes take effect after restart")
		}
		if applyDetectorChange(detector, prev.Detector, next.Detector) {
			log.Warnf("Detector changes take effect after restart")
		}
	})

	mux.Handle("/", &serve.IndexServer{Data: func() serve.IndexData {
		return serve.IndexData{Name: config.Get().Name, PushEnabled: push != nil}
	}})
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(serve.Assets())))
	mux.Handle("/video_feed", &serve.StreamServer{Pipeline: pipeline})
	mux.Handle("/snapshots", &serve.MetaServer{Archive: archive})
	mux.Handle("/snapshot", &serve.SnapshotServer{Archive: archive})
	mux.Handle("/snapshot/delete", &serve.DeleteServer{Archive: archive})
	mux.Handle("/eventsws", eventsws)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	accessLog := log.StandardLogger().Writer()
	defer accessLog.Close()

	// Cancelled first on shutdown so that long lived streams end promptly.
	streamCtx, streamCancel := context.WithCancel(ctx)
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", listenPort),
		Handler:     handlers.CombinedLoggingHandler(accessLog, mux),
		BaseContext: func(net.Listener) context.Context { return streamCtx },
	}

	go func() {
		var err error
		if cfg.Server.TLSCert != "" {
			log.Infof("Hosting web frontend on port %d (TLS)", listenPort)
			err = server.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			log.Infof("Hosting web frontend on port %d", listenPort)
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("Caught signal %v, shutting down", sig)

	streamCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown: %v", err)
	}
	pipeline.Wait()
	if err := src.Stop(); err != nil {
		log.Errorf("Camera shutdown: %v", err)
	}
	notifier.Wait()
	for _, c := range closers {
		c()
	}
	eventsws.Close()
	if detector != nil {
		detector.Close()
	}
	log.Info("Shutdown complete")
}
