package rtps

import (
	"bytes"
	"io"
	"time"
)

// wireSubmessage is anything that can serialize itself as one RTPS
// submessage. Rather than building a []byte by hand for every outbound
// message, outbound construction is collapsed into one composeMessage
// helper shared by the writer heartbeat loop, ACKNACK replies, and the
// discovery agents.
type wireSubmessage interface {
	writeTo(w io.Writer) error
}

// composeMessage builds one complete RTPS datagram: header, an INFO_TS
// carrying the current time, then every submessage in order.
func composeMessage(prefix GUIDPrefix, subs ...wireSubmessage) []byte {
	var buf bytes.Buffer
	_ = NewHeader(prefix).WriteTo(&buf)
	_ = writeInfoTS(&buf, time.Now())
	for _, s := range subs {
		_ = s.writeTo(&buf)
	}
	return buf.Bytes()
}

func writeInfoTS(w io.Writer, t time.Time) error {
	hdr := submsgHeader{id: SubmsgInfoTS, flags: flagEndianLE, size: 8}
	if err := hdr.writeTo(w); err != nil {
		return err
	}
	_, err := w.Write(timeToBytes(t, hdr.byteOrder()))
	return err
}
