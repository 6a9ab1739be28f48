package groupcomm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComponentMsg_RoundTrip(t *testing.T) {
	cases := map[string]ComponentMsg{
		"primary_three_members": {
			Primary: true,
			MyIndex: 1,
			Members: []string{"node-a", "node-b", "node-c"},
		},
		"non_primary": {
			Primary: false,
			MyIndex: 0,
			Members: []string{"node-a"},
		},
		"empty_configuration": {
			Primary: false,
			MyIndex: -1,
		},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			buf, err := EncodeComponentMsg(msg)
			require.NoError(t, err)
			got, err := DecodeComponentMsg(buf)
			require.NoError(t, err)
			require.Equal(t, msg, got)
		})
	}
}

func TestComponentMsg_MemberRecordSize(t *testing.T) {
	buf, err := EncodeComponentMsg(ComponentMsg{Primary: true, Members: []string{"a", "b"}})
	require.NoError(t, err)
	require.Equal(t, 1+4+4+2*MemberIDLen, len(buf))
}

func TestComponentMsg_MemberIDTooLong(t *testing.T) {
	long := make([]byte, MemberIDLen)
	for i := range long {
		long[i] = 'x'
	}
	_, err := EncodeComponentMsg(ComponentMsg{Members: []string{string(long)}})
	require.Error(t, err)
}

func TestComponentMsg_DecodeRejectsBadSize(t *testing.T) {
	buf, err := EncodeComponentMsg(ComponentMsg{Primary: true, Members: []string{"a"}})
	require.NoError(t, err)

	_, err = DecodeComponentMsg(buf[:len(buf)-1])
	require.Error(t, err)
	_, err = DecodeComponentMsg(append(buf, 0))
	require.Error(t, err)
	_, err = DecodeComponentMsg(buf[:3])
	require.Error(t, err)
}

func TestActionHeader_RoundTrip(t *testing.T) {
	payload := []byte("write-set bytes")
	frame := EncodeAction(ActionData, 77, payload)
	require.Equal(t, ActionHeaderSize+len(payload), len(frame))

	hdr, rest, err := ReadActionHeader(frame)
	require.NoError(t, err)
	require.Equal(t, ActionData, hdr.Type)
	require.Equal(t, uint64(77), hdr.ID)
	require.Equal(t, uint32(0), hdr.FragNo)
	require.Equal(t, uint32(1), hdr.FragCount)
	require.Equal(t, uint32(len(payload)), hdr.Size)
	require.Equal(t, payload, rest)
}

func TestActionHeader_RejectsBadEnvelope(t *testing.T) {
	frame := EncodeAction(ActionPrimary, 1, nil)

	_, _, err := ReadActionHeader(frame[:ActionHeaderSize-1])
	require.Error(t, err)

	bad := append([]byte(nil), frame...)
	bad[0] = 99 // unsupported protocol version
	_, _, err = ReadActionHeader(bad)
	require.Error(t, err)

	bad = append([]byte(nil), frame...)
	bad[6], bad[7], bad[8], bad[9] = 0, 0, 0, 0 // frag_count = 0
	_, _, err = ReadActionHeader(bad)
	require.Error(t, err)
}
