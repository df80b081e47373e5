package videox

import (
	"fmt"
	"unsafe"

	"github.com/bmharper/cimg/v2"
)

// #cgo pkg-config: libavcodec libavutil libswscale
// #include <stdlib.h>
// #include <libavcodec/avcodec.h>
// #include <libavutil/imgutils.h>
// #include <libswscale/swscale.h>
import "C"

func frameData(frame *C.AVFrame) **C.uint8_t {
	return (**C.uint8_t)(unsafe.Pointer(&frame.data[0]))
}

func frameLineSize(frame *C.AVFrame) *C.int {
	return (*C.int)(unsafe.Pointer(&frame.linesize[0]))
}

// H264Decoder is a wrapper around libavcodec's H264 decoder.
// Feed it Annex-B packets with Decode(), and it returns an RGB image
// whenever the codec has a complete picture.
// Not safe for concurrent use.
type H264Decoder struct {
	codecCtx *C.AVCodecContext
	avPacket *C.AVPacket
	srcFrame *C.AVFrame
	swsCtx   *C.struct_SwsContext
	dstFrame *C.AVFrame
}

// NewH264Decoder allocates a new H264Decoder.
func NewH264Decoder() (*H264Decoder, error) {
	codec := C.avcodec_find_decoder(C.AV_CODEC_ID_H264)
	if codec == nil {
		return nil, fmt.Errorf("avcodec_find_decoder() failed")
	}

	codecCtx := C.avcodec_alloc_context3(codec)
	if codecCtx == nil {
		return nil, fmt.Errorf("avcodec_alloc_context3() failed")
	}

	if res := C.avcodec_open2(codecCtx, codec, nil); res < 0 {
		C.avcodec_free_context(&codecCtx)
		return nil, fmt.Errorf("avcodec_open2() failed: %v", res)
	}

	srcFrame := C.av_frame_alloc()
	if srcFrame == nil {
		C.avcodec_free_context(&codecCtx)
		return nil, fmt.Errorf("av_frame_alloc() failed")
	}

	avPacket := C.av_packet_alloc()
	if avPacket == nil {
		C.av_frame_free(&srcFrame)
		C.avcodec_free_context(&codecCtx)
		return nil, fmt.Errorf("av_packet_alloc() failed")
	}

	return &H264Decoder{
		codecCtx: codecCtx,
		srcFrame: srcFrame,
		avPacket: avPacket,
	}, nil
}

// Close frees the decoder. The decoder may not be used after calling Close.
func (d *H264Decoder) Close() {
	if d.dstFrame != nil {
		C.av_frame_free(&d.dstFrame)
	}
	if d.swsCtx != nil {
		C.sws_freeContext(d.swsCtx)
	}
	C.av_packet_free(&d.avPacket)
	C.av_frame_free(&d.srcFrame)
	C.avcodec_free_context(&d.codecCtx)
}

// Decode sends one Annex-B packet (one or more start-code-prefixed NALUs)
// to the decoder.
// Returns (nil, nil) if the codec consumed the packet but doesn't have a
// complete picture yet, which is normal for SPS/PPS and fragmented frames.
// The returned image is a copy, and remains valid after subsequent calls.
func (d *H264Decoder) Decode(packet []byte) (*cimg.Image, error) {
	if len(packet) == 0 {
		return nil, nil
	}
	if err := d.sendPacket(packet); err != nil {
		// A send failure happens routinely at the start of a stream, before
		// the codec has seen a keyframe. The stream recovers at the next IDR,
		// so we don't treat this as fatal.
		return nil, nil
	}

	res := C.avcodec_receive_frame(d.codecCtx, d.srcFrame)
	if res < 0 {
		// -11 is AVERROR(EAGAIN): the codec needs more input before it can
		// emit a frame.
		if res == -11 {
			return nil, nil
		}
		return nil, fmt.Errorf("avcodec_receive_frame error %v", res)
	}

	// (Re)allocate the RGB frame and scaler if the picture size changed
	if d.dstFrame == nil || d.dstFrame.width != d.srcFrame.width || d.dstFrame.height != d.srcFrame.height {
		if d.dstFrame != nil {
			C.av_frame_free(&d.dstFrame)
		}
		if d.swsCtx != nil {
			C.sws_freeContext(d.swsCtx)
		}

		d.dstFrame = C.av_frame_alloc()
		d.dstFrame.format = C.AV_PIX_FMT_RGB24
		d.dstFrame.width = d.srcFrame.width
		d.dstFrame.height = d.srcFrame.height
		d.dstFrame.color_range = C.AVCOL_RANGE_JPEG
		if res := C.av_frame_get_buffer(d.dstFrame, 1); res < 0 {
			return nil, fmt.Errorf("av_frame_get_buffer() error %v", res)
		}

		d.swsCtx = C.sws_getContext(d.srcFrame.width, d.srcFrame.height, (int32)(d.srcFrame.format),
			d.dstFrame.width, d.dstFrame.height, (int32)(d.dstFrame.format), C.SWS_BILINEAR, nil, nil, nil)
		if d.swsCtx == nil {
			return nil, fmt.Errorf("sws_getContext() error")
		}
	}

	if res := C.sws_scale(d.swsCtx, frameData(d.srcFrame), frameLineSize(d.srcFrame),
		0, d.srcFrame.height, frameData(d.dstFrame), frameLineSize(d.dstFrame)); res < 0 {
		return nil, fmt.Errorf("sws_scale() error %v", res)
	}

	// Copy out of the libavcodec buffer, which gets clobbered by the next Decode
	width := int(d.dstFrame.width)
	height := int(d.dstFrame.height)
	srcStride := int(d.dstFrame.linesize[0])
	src := unsafe.Slice((*byte)(d.dstFrame.data[0]), srcStride*height)
	img := cimg.NewImage(width, height, cimg.PixelFormatRGB)
	for y := 0; y < height; y++ {
		copy(img.Pixels[y*img.Stride:y*img.Stride+width*3], src[y*srcStride:y*srcStride+width*3])
	}
	return img, nil
}

// Width of the video stream. Only valid after the first frame has been decoded.
func (d *H264Decoder) Width() int {
	return int(d.codecCtx.width)
}

// Height of the video stream. Only valid after the first frame has been decoded.
func (d *H264Decoder) Height() int {
	return int(d.codecCtx.height)
}

func (d *H264Decoder) sendPacket(packet []byte) error {
	// We copy into C memory here, because storing a Go pointer inside the
	// C packet struct and handing it to a C function violates the cgo
	// pointer passing rules.
	d.avPacket.data = (*C.uint8_t)(C.CBytes(packet))
	defer func() {
		C.free(unsafe.Pointer(d.avPacket.data))
		d.avPacket.data = nil
		d.avPacket.size = 0
	}()
	d.avPacket.size = C.int(len(packet))
	if res := C.avcodec_send_packet(d.codecCtx, d.avPacket); res < 0 {
		return fmt.Errorf("avcodec_send_packet failed: %v", res)
	}
	return nil
}
