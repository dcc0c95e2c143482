package remoting

import (
	"bytes"
	"testing"
)

func TestFrameWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	if err := fw.WriteInt32(-42); err != nil {
		t.Fatalf("WriteInt32 returned error: %s", err)
	}
	if err := fw.WriteUint32(0xdeadbeef); err != nil {
		t.Fatalf("WriteUint32 returned error: %s", err)
	}
	if err := fw.WriteInt64(-1234567890123); err != nil {
		t.Fatalf("WriteInt64 returned error: %s", err)
	}
	if err := fw.WriteBytes([]byte{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("WriteBytes returned error: %s", err)
	}
	if err := fw.WriteString("héllo, 世界"); err != nil {
		t.Fatalf("WriteString returned error: %s", err)
	}
	if err := fw.WriteString(""); err != nil {
		t.Fatalf("WriteString(\"\") returned error: %s", err)
	}
	if err := fw.WriteHeader(Header{Function: FuncMethodCall, Sequence: 7}); err != nil {
		t.Fatalf("WriteHeader returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)

	if v, err := fr.ReadInt32(); err != nil || v != -42 {
		t.Fatalf("ReadInt32() = %d, %v; want -42, nil", v, err)
	}
	if v, err := fr.ReadUint32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadUint32() = %#x, %v; want 0xdeadbeef, nil", v, err)
	}
	if v, err := fr.ReadInt64(); err != nil || v != -1234567890123 {
		t.Fatalf("ReadInt64() = %d, %v; want -1234567890123, nil", v, err)
	}
	if b, err := fr.ReadBytes(); err != nil || !bytes.Equal(b, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("ReadBytes() = %v, %v; want [1 2 3 4 5], nil", b, err)
	}
	if s, err := fr.ReadString(); err != nil || s != "héllo, 世界" {
		t.Fatalf("ReadString() = %q, %v; want %q, nil", s, err, "héllo, 世界")
	}
	if s, err := fr.ReadString(); err != nil || s != "" {
		t.Fatalf("ReadString() (empty) = %q, %v; want \"\", nil", s, err)
	}
	if h, err := fr.ReadHeader(); err != nil || h.Function != FuncMethodCall || h.Sequence != 7 {
		t.Fatalf("ReadHeader() = %+v, %v; want {FuncMethodCall 7}, nil", h, err)
	}
}

func TestRefTypeOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := fw.WriteInt32(999); err != nil {
		t.Fatalf("WriteInt32 returned error: %s", err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatalf("Flush returned error: %s", err)
	}

	fr := NewFrameReader(&buf)
	_, err := fr.ReadRefType()
	if err == nil {
		t.Fatalf("ReadRefType() on out-of-range tag returned nil error")
	}
	if kind, ok := KindOf(err); !ok || kind != ProtocolError {
		t.Errorf("ReadRefType() error kind = %v, %v; want ProtocolError, true", kind, ok)
	}
}

func TestFunctionIsControl(t *testing.T) {
	controls := []Function{
		FuncOpenReverseChannel, FuncClientDisconnecting,
		FuncLoadClientAssemblyIntoServer, FuncGcCleanup, FuncShutdownServer,
	}
	for _, f := range controls {
		if !f.IsControl() {
			t.Errorf("%s.IsControl() = false; want true", f)
		}
	}
	nonControls := []Function{FuncMethodCall, FuncMethodReply, FuncExceptionReturn, FuncCreateInstance}
	for _, f := range nonControls {
		if f.IsControl() {
			t.Errorf("%s.IsControl() = true; want false", f)
		}
	}
}
