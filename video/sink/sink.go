package sink

// FrameWriter defines a destination for a stream of encoded images, such as an
// HTTP response. An error from WriteFrame means the destination is gone and
// no further frames should be written.
type FrameWriter interface {
	WriteFrame(jpeg []byte) error
}
