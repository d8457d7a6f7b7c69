package codec_test

import (
	"bytes"
	"testing"

	"github.com/bitseal-go/bmcore/codec"
)

func TestVarIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0xfc, 0xfd, 0xfe, 0xffff, 0x10000, 0xfffffffe,
		0x100000000, 1<<64 - 1}

	for _, v := range values {
		var buf bytes.Buffer
		if err := codec.WriteVarInt(&buf, v); err != nil {
			t.Fatalf("WriteVarInt(%d): %v", v, err)
		}

		got, n, err := codec.ReadVarInt(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("ReadVarInt(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip mismatch: wrote %d, read %d", v, got)
		}
		if n != buf.Len() {
			t.Errorf("consumed %d bytes, wrote %d", n, buf.Len())
		}
		if n != codec.VarIntSerializeSize(v) {
			t.Errorf("VarIntSerializeSize(%d) = %d, want %d", v, codec.VarIntSerializeSize(v), n)
		}
	}
}

func TestDecodeVarIntTruncated(t *testing.T) {
	_, _, err := codec.DecodeVarInt([]byte{0xfd, 0x01})
	if err != codec.ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
	_, _, err = codec.DecodeVarInt(nil)
	if err != codec.ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}

func TestDecodeVarIntMatchesEncode(t *testing.T) {
	for _, v := range []uint64{0, 252, 253, 65535, 65536, 4294967295, 4294967296} {
		enc := codec.EncodeVarInt(v)
		got, n, err := codec.DecodeVarInt(enc)
		if err != nil {
			t.Fatalf("DecodeVarInt(%x): %v", enc, err)
		}
		if got != v || n != len(enc) {
			t.Errorf("DecodeVarInt(%x) = (%d, %d), want (%d, %d)", enc, got, n, v, len(enc))
		}
	}
}

func TestValidateRange(t *testing.T) {
	if err := codec.ValidateRange("version", 2, 1, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := codec.ValidateRange("version", 5, 1, 4); err == nil {
		t.Fatal("expected ErrOverflow")
	}
}
