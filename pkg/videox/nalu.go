package videox

// Package videox decodes H264 video into still images that we can compress
// and ship as snapshots. We only care about the most recent frame of a
// stream, so there is no buffering or seeking in here.

import (
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// NALUStartCode is the 3 byte Annex-B start code that we prepend to every
// NALU before handing it to the decoder.
// Cameras send RTP payloads without start codes, but libavcodec wants an
// Annex-B byte stream.
var NALUStartCode = []byte{0, 0, 1}

// NALUType returns the H264 NALU type of a raw (no start code) NALU.
func NALUType(nalu []byte) h264.NALUType {
	if len(nalu) == 0 {
		return h264.NALUType(0)
	}
	return h264.NALUType(nalu[0] & 0x1f)
}

// IsVisualPacket returns true for NALU types that encode picture data
// (IDR and non-IDR slices, partitions). These are the packets that we must
// not feed to the decoder before it has seen SPS+PPS and a keyframe.
func IsVisualPacket(t h264.NALUType) bool {
	return int(t) >= 1 && int(t) <= 5
}

// AnnexBJoin concatenates raw NALUs into a single Annex-B packet,
// prefixing each NALU with a start code.
// A camera keyframe typically arrives as [SPS, PPS, IDR], and the decoder
// is happiest receiving those together as one packet.
func AnnexBJoin(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(NALUStartCode) + len(n)
	}
	packet := make([]byte, 0, size)
	for _, n := range nalus {
		packet = append(packet, NALUStartCode...)
		packet = append(packet, n...)
	}
	return packet
}
