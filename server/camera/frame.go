package camera

import (
	"time"

	"github.com/bmharper/cimg/v2"
)

// Frame is the most recently decoded image of a camera's stream.
// Seq increases monotonically for the lifetime of the pipeline, across
// reconnects, so consumers can tell whether two reads saw the same frame.
// A Frame is immutable once published.
type Frame struct {
	Seq        int64
	CapturedAt time.Time
	Image      *cimg.Image
}

// JPEG compresses the frame for upload.
func (f *Frame) JPEG() ([]byte, error) {
	return cimg.Compress(f.Image, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
}
