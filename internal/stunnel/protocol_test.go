package stunnel

import "testing"

func TestPackUnpackOpenRoundTrip(t *testing.T) {
	buf := PackOpen(42, "example.com", 443)
	if got := UnpackProtocolType(buf); got != Open {
		t.Fatalf("expected Open, got %v", got)
	}
	id, host, port, err := UnpackOpen(buf)
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 || host != "example.com" || port != 443 {
		t.Fatalf("got id=%d host=%q port=%d", id, host, port)
	}
}

func TestPackUnpackOpenSuccessRoundTrip(t *testing.T) {
	buf := PackOpenSuccess(7, 0x7F000001, 8080)
	if got := UnpackProtocolType(buf); got != OpenSuccess {
		t.Fatalf("expected OpenSuccess, got %v", got)
	}
	id, ip, port, err := UnpackOpenSuccess(buf)
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 || ip != 0x7F000001 || port != 8080 {
		t.Fatalf("got id=%d ip=%x port=%d", id, ip, port)
	}
}

func TestPackUnpackCloseRoundTrip(t *testing.T) {
	buf := PackClose(99)
	if got := UnpackProtocolType(buf); got != Close {
		t.Fatalf("expected Close, got %v", got)
	}
	id, err := UnpackClose(buf)
	if err != nil || id != 99 {
		t.Fatalf("got id=%d err=%v", id, err)
	}
}

func TestPackUnpackDataRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	buf := PackData(5, payload)
	if got := UnpackProtocolType(buf); got != Data {
		t.Fatalf("expected Data, got %v", got)
	}
	id, err := UnpackData(buf)
	if err != nil || id != 5 {
		t.Fatalf("got id=%d err=%v", id, err)
	}
	if string(buf.Remaining()) != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, buf.Remaining())
	}
}

func TestUnpackOpenRejectsTruncatedRecord(t *testing.T) {
	buf := PackOpen(1, "h", 80)
	buf.Data = buf.Data[:len(buf.Data)-1] // chop off the last port byte
	UnpackProtocolType(buf)
	if _, _, _, err := UnpackOpen(buf); err == nil {
		t.Fatal("expected an error unpacking a truncated Open record")
	}
}

func TestUnpackCloseRejectsTrailingBytes(t *testing.T) {
	buf := PackClose(1)
	buf.Data = append(buf.Data, 0xFF) // extra trailing byte
	UnpackProtocolType(buf)
	if _, err := UnpackClose(buf); err == nil {
		t.Fatal("expected an error for a Close record with trailing bytes")
	}
}

func TestUnpackProtocolTypeUnknownOnEmptyBuffer(t *testing.T) {
	buf := PackClose(1)
	buf.Pos = buf.Len()
	if got := UnpackProtocolType(buf); got != Unknown {
		t.Fatalf("expected Unknown on an exhausted buffer, got %v", got)
	}
}
