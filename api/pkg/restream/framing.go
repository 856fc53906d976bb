package restream

import "encoding/binary"

// Wire layout:
//
//	codec header (12 bytes, sent once per client connection):
//	  codec_id   be32
//	  width      be32
//	  height     be32
//
//	packet frame (repeating):
//	  pts_flags  be64
//	  length     be32
//	  payload    length bytes
const (
	codecHeaderSize = 12
	frameHeaderSize = 12

	flagConfig   uint64 = 1 << 63
	flagKeyFrame uint64 = 1 << 62
	ptsMask      uint64 = flagKeyFrame - 1 // low 62 bits
)

func encodeCodecHeader(codec CodecID, width, height uint32) []byte {
	buf := make([]byte, codecHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(codec))
	binary.BigEndian.PutUint32(buf[4:8], width)
	binary.BigEndian.PutUint32(buf[8:12], height)
	return buf
}

// ptsFlags builds the 64-bit pts_flags field for a packet: bit 63 marks a
// config (no-PTS) packet, bit 62 marks a keyframe, and the low 62 bits carry
// the unsigned PTS. PTS values that would collide with the top two bits are
// truncated rather than rejected.
func ptsFlags(p *Packet) uint64 {
	if !p.HasPTS {
		return flagConfig
	}
	v := uint64(p.PTS) & ptsMask
	if p.KeyFrame {
		v |= flagKeyFrame
	}
	return v
}

func encodeFrameHeader(p *Packet) []byte {
	buf := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], ptsFlags(p))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.Payload)))
	return buf
}
