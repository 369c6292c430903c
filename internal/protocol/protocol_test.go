package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/danmuck/taskd/internal/protocol/frame"
)

var cmpOpts = cmp.AllowUnexported(HashingPacket{})

func TestRoundTripSerializeDeserialize(t *testing.T) {
	cases := []ProtocolMessage{
		NewHashRequest(SHA256, LocalPath("/etc/hostname")),
		NewHashRequest(BLAKE3, RemotePath("http://x")),
		NewHashRequest(AlgorithmUnimplemented, LocalPath("")),
		NewHashRequest(SHAKE256, LocalPath("/tmp/ünïcode path")),
		NewResponse(Success("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")),
		NewResponse(Success("")),
		NewResponse(Failed()),
	}
	for _, alg := range Algorithms() {
		cases = append(cases, NewHashRequest(alg, LocalPath("/data/"+alg.String())))
	}

	for _, in := range cases {
		payload, err := Serialize(in)
		if err != nil {
			t.Fatalf("serialize %+v: %v", in, err)
		}
		out, err := Deserialize(payload)
		if err != nil {
			t.Fatalf("deserialize %+v: %v", in, err)
		}
		if diff := cmp.Diff(in, out, cmpOpts); diff != "" {
			t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSerializeLayout(t *testing.T) {
	payload, err := Serialize(NewHashRequest(SHA256, RemotePath("ab")))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	want := []byte{0, 0, 1, 1, 0, 0, 0, 2, 'a', 'b'}
	if !bytes.Equal(payload, want) {
		t.Fatalf("unexpected layout: %v want %v", payload, want)
	}

	payload, err = Serialize(NewResponse(Failed()))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(payload, []byte{1, 1}) {
		t.Fatalf("unexpected failed layout: %v", payload)
	}
}

func TestUnknownAlgorithmDecodesToUnimplemented(t *testing.T) {
	msg, err := Deserialize([]byte{0, 0, 200, 0, 0, 0, 0, 1, 'f'})
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got := msg.Request.Hash.Algorithm(); got != AlgorithmUnimplemented {
		t.Fatalf("expected unimplemented, got %v", got)
	}
	if msg.Request.Hash.Path() != LocalPath("f") {
		t.Fatalf("unexpected path: %+v", msg.Request.Hash.Path())
	}
}

func TestDeserializeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":               {},
		"unknown message tag": {7},
		"unknown request tag": {0, 3, 1, 0, 0, 0, 0, 0},
		"unknown path tag":    {0, 0, 1, 9, 0, 0, 0, 0},
		"unknown status":      {1, 4},
		"missing algorithm":   {0, 0},
		"short string len":    {0, 0, 1, 0, 0, 0},
		"string overruns":     {0, 0, 1, 0, 0, 0, 0, 9, 'a'},
		"huge string len":     {1, 0, 0xff, 0xff, 0xff, 0xff},
		"trailing bytes":      {1, 1, 0},
		"invalid utf8":        {1, 0, 0, 0, 0, 2, 0xc3, 0x28},
	}
	for name, payload := range cases {
		_, err := Deserialize(payload)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestSerializeRejectsInvalidValues(t *testing.T) {
	if _, err := Serialize(ProtocolMessage{Kind: 9}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := Serialize(NewResponse(TaskResponse{Status: 5})); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	_, err := Serialize(NewHashRequest(SHA256, LocalPath("/tmp/\xff\xfe")))
	if !errors.Is(err, ErrInvalidMessage) || !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected invalid utf-8 path rejected before sending, got %v", err)
	}
	if _, err := EncodeMessage(NewResponse(Success("\xc3"))); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected invalid utf-8 digest rejected, got %v", err)
	}
}

func TestEncodeMessageRejectsOversizedResponse(t *testing.T) {
	big := string(bytes.Repeat([]byte{'a'}, int(frame.MaxPacketSize)))
	_, err := EncodeMessage(NewResponse(Success(big)))
	if !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodeDecodeMessageOverConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := NewHashRequest(SHA3_512, LocalPath("/etc/hosts"))
	wire, err := EncodeMessage(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := binary.BigEndian.Uint32(wire[:4]); int(got) != len(wire)-4 {
		t.Fatalf("unexpected length prefix: %d", got)
	}
	go func() { _, _ = client.Write(wire) }()

	got, err := DecodeMessage(server, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseHashAlgorithm(t *testing.T) {
	cases := map[string]HashAlgorithm{
		"sha256":     SHA256,
		"SHA3-256":   SHA3_256,
		"sha512/224": SHA512_224,
		"Blake3":     BLAKE3,
		"shake128":   SHAKE128,
	}
	for in, want := range cases {
		got, err := ParseHashAlgorithm(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %v err=%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseHashAlgorithm("md5"); err == nil {
		t.Fatalf("expected md5 to be rejected")
	}
	if AlgorithmFromByte(0xfe) != AlgorithmUnimplemented {
		t.Fatalf("expected unknown byte to degrade")
	}
}
