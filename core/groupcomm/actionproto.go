package groupcomm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Action header: the fixed envelope a backend prepends to every payload it
// puts on the wire. The engine never looks inside it except for the action
// type; fragmentation fields exist so a backend may split an action across
// transport messages and reassemble in order.
//
// Layout, big-endian:
//
//	proto_ver  u8
//	act_type   u8
//	frag_no    u32
//	frag_count u32
//	act_size   u32   total action size across fragments
//	act_id     u64   backend-chosen id, identical on every fragment
const (
	actProtoVersion   = 0
	ActionHeaderSize  = 1 + 1 + 4 + 4 + 4 + 8
	maxActionFragment = 1<<32 - 1
)

// ActionHeader is the decoded action envelope.
type ActionHeader struct {
	ProtoVer  uint8
	Type      ActionType
	FragNo    uint32
	FragCount uint32
	Size      uint32
	ID        uint64
}

// WriteActionHeader encodes hdr into buf, which must hold ActionHeaderSize
// bytes.
func WriteActionHeader(hdr ActionHeader, buf []byte) error {
	if len(buf) < ActionHeaderSize {
		return fmt.Errorf("groupcomm: header buffer too small: %d", len(buf))
	}
	buf[0] = hdr.ProtoVer
	buf[1] = byte(hdr.Type)
	binary.BigEndian.PutUint32(buf[2:], hdr.FragNo)
	binary.BigEndian.PutUint32(buf[6:], hdr.FragCount)
	binary.BigEndian.PutUint32(buf[10:], hdr.Size)
	binary.BigEndian.PutUint64(buf[14:], hdr.ID)
	return nil
}

// ReadActionHeader decodes the envelope from the front of buf and returns the
// remaining payload.
func ReadActionHeader(buf []byte) (ActionHeader, []byte, error) {
	if len(buf) < ActionHeaderSize {
		return ActionHeader{}, nil, io.ErrUnexpectedEOF
	}
	hdr := ActionHeader{
		ProtoVer:  buf[0],
		Type:      ActionType(buf[1]),
		FragNo:    binary.BigEndian.Uint32(buf[2:]),
		FragCount: binary.BigEndian.Uint32(buf[6:]),
		Size:      binary.BigEndian.Uint32(buf[10:]),
		ID:        binary.BigEndian.Uint64(buf[14:]),
	}
	if hdr.ProtoVer != actProtoVersion {
		return ActionHeader{}, nil, fmt.Errorf("groupcomm: unsupported action protocol version %d", hdr.ProtoVer)
	}
	if hdr.FragCount == 0 || hdr.FragNo >= hdr.FragCount {
		return ActionHeader{}, nil, fmt.Errorf("groupcomm: bad fragment %d/%d", hdr.FragNo, hdr.FragCount)
	}
	return hdr, buf[ActionHeaderSize:], nil
}

// EncodeAction wraps a whole (unfragmented) payload in an action header.
func EncodeAction(actType ActionType, id uint64, payload []byte) []byte {
	out := make([]byte, ActionHeaderSize+len(payload))
	_ = WriteActionHeader(ActionHeader{
		ProtoVer:  actProtoVersion,
		Type:      actType,
		FragNo:    0,
		FragCount: 1,
		Size:      uint32(len(payload)),
		ID:        id,
	}, out)
	copy(out[ActionHeaderSize:], payload)
	return out
}
