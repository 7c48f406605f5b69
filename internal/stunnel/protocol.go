// Package stunnel implements the sub-stream multiplexing protocol carried
// inside a tunnel record: every record is type-tagged and addressed to a
// 64-bit sub-stream id, so one encrypted tunnel connection can multiplex
// an arbitrary number of independent SOCKS5 sessions.
package stunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/quietproxy/snet/internal/netio"
)

// Protocol is the one-byte record type tag.
type Protocol byte

const (
	Unknown Protocol = iota
	Open
	OpenSuccess
	ShutdownWrite
	Close
	Data
)

func (p Protocol) String() string {
	switch p {
	case Open:
		return "Open"
	case OpenSuccess:
		return "OpenSuccess"
	case ShutdownWrite:
		return "ShutdownWrite"
	case Close:
		return "Close"
	case Data:
		return "Data"
	default:
		return "Unknown"
	}
}

// headSize is the type byte plus the 64-bit sub-stream id every record
// begins with.
const headSize = 1 + 8

func prepareBuffer(size int, proto Protocol, id uint64) *netio.Buffer {
	data := make([]byte, size)
	data[0] = byte(proto)
	binary.BigEndian.PutUint64(data[1:9], id)
	return netio.NewBuffer(data)
}

// PackOpen builds an Open record asking the peer to dial host:port on
// behalf of sub-stream id.
func PackOpen(id uint64, host string, port uint16) *netio.Buffer {
	size := headSize + len(host) + 2
	buf := prepareBuffer(size, Open, id)
	n := copy(buf.Data[headSize:], host)
	binary.BigEndian.PutUint16(buf.Data[headSize+n:], port)
	return buf
}

// PackOpenSuccess builds an OpenSuccess record reporting the upstream
// address the peer's relay connected to for sub-stream id.
func PackOpenSuccess(id uint64, ip uint32, port uint16) *netio.Buffer {
	buf := prepareBuffer(headSize+4+2, OpenSuccess, id)
	binary.BigEndian.PutUint32(buf.Data[headSize:], ip)
	binary.BigEndian.PutUint16(buf.Data[headSize+4:], port)
	return buf
}

// PackClose builds a Close record tearing down sub-stream id entirely.
func PackClose(id uint64) *netio.Buffer {
	return prepareBuffer(headSize, Close, id)
}

// PackShutdownWrite builds a ShutdownWrite record: sub-stream id's local
// peer has finished sending but may still receive.
func PackShutdownWrite(id uint64) *netio.Buffer {
	return prepareBuffer(headSize, ShutdownWrite, id)
}

// PackData builds a Data record carrying payload for sub-stream id.
func PackData(id uint64, payload []byte) *netio.Buffer {
	buf := prepareBuffer(headSize+len(payload), Data, id)
	copy(buf.Data[headSize:], payload)
	return buf
}

// UnpackProtocolType reads and consumes the leading type byte. It returns
// Unknown if buf has no bytes left.
func UnpackProtocolType(buf *netio.Buffer) Protocol {
	if buf.Pos >= buf.Len() {
		return Unknown
	}
	p := Protocol(buf.Data[buf.Pos])
	buf.Pos++
	switch p {
	case Open, OpenSuccess, ShutdownWrite, Close, Data:
		return p
	default:
		return Unknown
	}
}

func unpackID(buf *netio.Buffer) (uint64, error) {
	if buf.Pos+8 > buf.Len() {
		return 0, fmt.Errorf("stunnel: truncated record, missing sub-stream id")
	}
	id := binary.BigEndian.Uint64(buf.Data[buf.Pos:])
	buf.Pos += 8
	return id, nil
}

// UnpackOpen parses the remainder of an Open record: the sub-stream id,
// the target host, and the target port. The payload must fit the record
// exactly — host is whatever remains after the id and the trailing port
// field, with nothing left over. A record with an empty host is rejected.
func UnpackOpen(buf *netio.Buffer) (id uint64, host string, port uint16, err error) {
	id, err = unpackID(buf)
	if err != nil {
		return 0, "", 0, err
	}
	remaining := buf.Len() - buf.Pos
	if remaining < 3 {
		return 0, "", 0, fmt.Errorf("stunnel: Open record too short for a host and port field")
	}
	hostLen := remaining - 2
	host = string(buf.Data[buf.Pos : buf.Pos+hostLen])
	buf.Pos += hostLen
	port = binary.BigEndian.Uint16(buf.Data[buf.Pos:])
	buf.Pos += 2
	return id, host, port, nil
}

// UnpackOpenSuccess parses the remainder of an OpenSuccess record. The
// record must contain exactly the id, a 4-byte IP and a 2-byte port —
// nothing more, nothing less.
func UnpackOpenSuccess(buf *netio.Buffer) (id uint64, ip uint32, port uint16, err error) {
	id, err = unpackID(buf)
	if err != nil {
		return 0, 0, 0, err
	}
	if buf.Len()-buf.Pos != 4+2 {
		return 0, 0, 0, fmt.Errorf("stunnel: OpenSuccess record has the wrong size")
	}
	ip = binary.BigEndian.Uint32(buf.Data[buf.Pos:])
	buf.Pos += 4
	port = binary.BigEndian.Uint16(buf.Data[buf.Pos:])
	buf.Pos += 2
	return id, ip, port, nil
}

// UnpackClose parses a Close record: just the sub-stream id, with nothing
// left over.
func UnpackClose(buf *netio.Buffer) (id uint64, err error) {
	id, err = unpackID(buf)
	if err != nil {
		return 0, err
	}
	if buf.Pos != buf.Len() {
		return 0, fmt.Errorf("stunnel: Close record has trailing bytes")
	}
	return id, nil
}

// UnpackShutdownWrite parses a ShutdownWrite record: just the sub-stream
// id, with nothing left over.
func UnpackShutdownWrite(buf *netio.Buffer) (id uint64, err error) {
	id, err = unpackID(buf)
	if err != nil {
		return 0, err
	}
	if buf.Pos != buf.Len() {
		return 0, fmt.Errorf("stunnel: ShutdownWrite record has trailing bytes")
	}
	return id, nil
}

// UnpackData parses a Data record's sub-stream id and leaves the payload
// as buf's unconsumed remainder (buf.Remaining()) for the caller to
// forward as-is; payload length is whatever is left, including zero.
func UnpackData(buf *netio.Buffer) (id uint64, err error) {
	return unpackID(buf)
}
