package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"

	"github.com/snapfeed/snapfeed/pkg/videox"
)

// FrameExtractor decodes the video stream of one camera and holds the single
// most recently decoded frame. Arrival of a newer frame replaces the previous
// one; nothing is ever queued.
// OnAccessUnit is called from the RTSP read loop, Latest from the scheduler.
type FrameExtractor struct {
	log logs.Log

	lock    sync.Mutex
	decoder *videox.H264Decoder
	ready   bool // true once we've seen an IDR on the current connection
	seq     int64
	latest  *Frame
}

func NewFrameExtractor(log logs.Log) *FrameExtractor {
	return &FrameExtractor{
		log: log,
	}
}

// Begin starts a new decode state for a fresh stream connection.
// The previous connection's latest frame is discarded, so Latest returns nil
// until the new connection produces a decodable picture.
// sps and pps come from the SDP, and may be nil, in which case we wait for
// them in-band.
func (x *FrameExtractor) Begin(sps, pps []byte) error {
	decoder, err := videox.NewH264Decoder()
	if err != nil {
		return fmt.Errorf("Failed to start H264 decoder: %w", err)
	}
	if sps != nil {
		decoder.Decode(videox.AnnexBJoin([][]byte{sps}))
	}
	if pps != nil {
		decoder.Decode(videox.AnnexBJoin([][]byte{pps}))
	}

	x.lock.Lock()
	defer x.lock.Unlock()
	if x.decoder != nil {
		x.decoder.Close()
	}
	x.decoder = decoder
	x.ready = false
	x.latest = nil
	return nil
}

// OnAccessUnit feeds one access unit (the NALUs of one RTP timestamp) into
// the decoder. Malformed or pre-keyframe units are dropped silently, and
// decoding resumes at the next keyframe.
func (x *FrameExtractor) OnAccessUnit(nalus [][]byte) {
	x.lock.Lock()
	defer x.lock.Unlock()
	if x.decoder == nil {
		return
	}

	send := make([][]byte, 0, len(nalus))
	for _, nalu := range nalus {
		ntype := videox.NALUType(nalu)
		if ntype == h264.NALUTypeIDR {
			x.ready = true
		}
		if !x.ready && videox.IsVisualPacket(ntype) {
			// Feeding the codec picture data before a keyframe just produces
			// garbage frames and decoder warnings
			continue
		}
		send = append(send, nalu)
	}
	if len(send) == 0 {
		return
	}

	img, err := x.decoder.Decode(videox.AnnexBJoin(send))
	if err != nil {
		// Corrupt unit. Wait for the next keyframe before decoding again.
		x.log.Debugf("Failed to decode H264 access unit: %v", err)
		x.ready = false
		return
	}
	if img == nil {
		// Codec needs more input before it can emit a picture
		return
	}
	x.storeFrame(img)
}

// storeFrame publishes img as the latest frame. Must be called with lock held.
func (x *FrameExtractor) storeFrame(img *cimg.Image) {
	x.seq++
	x.latest = &Frame{
		Seq:        x.seq,
		CapturedAt: time.Now(),
		Image:      img,
	}
}

// Latest returns the most recently decoded frame, or nil if nothing has been
// decoded since the stream last (re)connected. Reading is non-destructive:
// repeated calls return the same frame until a newer one arrives.
func (x *FrameExtractor) Latest() *Frame {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.latest
}

// Close releases the decoder. The extractor may not be used after Close.
func (x *FrameExtractor) Close() {
	x.lock.Lock()
	defer x.lock.Unlock()
	if x.decoder != nil {
		x.decoder.Close()
		x.decoder = nil
	}
	x.latest = nil
}
