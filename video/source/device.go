package source

import (
	"errors"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrNotReady is returned when no frame has been captured within the startup
// timeout. Callers should retry with backoff.
var ErrNotReady = errors.New("no frame available yet")

// ErrStopped is wrapped in the DeviceError returned after Stop.
var ErrStopped = errors.New("frame source stopped")

// DeviceError reports that the camera could not be opened or has stopped
// producing frames.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("camera %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Device is a camera which fills a Mat with the next captured image.
// gocv.VideoCapture satisfies this interface.
type Device interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Opener opens a Device. It is invoked once by FrameSource.Start.
type Opener func() (Device, error)

// VideoCaptureOpener opens a camera by numeric device index, or any URI or
// file understood by OpenCV. Non-zero width, height and fps are requested
// from the device.
func VideoCaptureOpener(uri string, width, height int, fps float64) Opener {
	return func() (Device, error) {
		var cap *gocv.VideoCapture
		var err error
		if id, perr := strconv.Atoi(uri); perr == nil {
			cap, err = gocv.VideoCaptureDevice(id)
		} else {
			cap, err = gocv.VideoCaptureFile(uri)
		}
		if err != nil {
			return nil, err
		}
		if !cap.IsOpened() {
			cap.Close()
			return nil, fmt.Errorf("video capture %q not opened", uri)
		}
		if width > 0 && height > 0 {
			cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
			cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
		}
		if fps > 0 {
			cap.Set(gocv.VideoCaptureFPS, fps)
		}
		log.Infof("Opened video capture %q at %.0fx%.0f", uri,
			cap.Get(gocv.VideoCaptureFrameWidth), cap.Get(gocv.VideoCaptureFrameHeight))
		return cap, nil
	}
}
