package groupcomm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MemberIDLen is the fixed on-wire size of a member id: room for a
// human-readable UUID plus the terminating NUL.
const MemberIDLen = 40

// ComponentMsg announces a group configuration: whether the configuration
// holds a quorum (primary component), this member's index in it, and the
// member ids. It is the payload of ActionPrimary / ActionNonPrimary actions.
//
// Layout, big-endian: primary u8, my_index i32, member_count i32, then
// member_count records of a MemberIDLen-byte NUL-padded member id.
type ComponentMsg struct {
	Primary bool
	MyIndex int32
	Members []string
}

// EncodeComponentMsg serializes the component message.
func EncodeComponentMsg(msg ComponentMsg) ([]byte, error) {
	var b bytes.Buffer
	if msg.Primary {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(msg.MyIndex))
	b.Write(n[:])
	binary.BigEndian.PutUint32(n[:], uint32(int32(len(msg.Members))))
	b.Write(n[:])
	for _, id := range msg.Members {
		if len(id) >= MemberIDLen {
			return nil, fmt.Errorf("groupcomm: member id too long: %q", id)
		}
		var rec [MemberIDLen]byte
		copy(rec[:], id)
		b.Write(rec[:])
	}
	return b.Bytes(), nil
}

// DecodeComponentMsg parses a component message.
func DecodeComponentMsg(buf []byte) (ComponentMsg, error) {
	const hdr = 1 + 4 + 4
	if len(buf) < hdr {
		return ComponentMsg{}, io.ErrUnexpectedEOF
	}
	msg := ComponentMsg{
		Primary: buf[0] != 0,
		MyIndex: int32(binary.BigEndian.Uint32(buf[1:])),
	}
	count := int32(binary.BigEndian.Uint32(buf[5:]))
	if count < 0 {
		return ComponentMsg{}, fmt.Errorf("groupcomm: negative member count %d", count)
	}
	if len(buf) != hdr+int(count)*MemberIDLen {
		return ComponentMsg{}, fmt.Errorf("groupcomm: component message size %d does not match %d members", len(buf), count)
	}
	if count > 0 {
		msg.Members = make([]string, 0, count)
		for i := 0; i < int(count); i++ {
			rec := buf[hdr+i*MemberIDLen : hdr+(i+1)*MemberIDLen]
			if j := bytes.IndexByte(rec, 0); j >= 0 {
				rec = rec[:j]
			}
			msg.Members = append(msg.Members, string(rec))
		}
	}
	return msg, nil
}
