package proto

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestWireEncoding(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	cases := []struct {
		msg  any
		want string
	}{
		{Hello(8080), `{"Hello":8080}`},
		{Accept(id), `{"Accept":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`},
		{HelloAck(40000), `{"Hello":40000}`},
		{Heartbeat(), `"Heartbeat"`},
		{Connection(id), `{"Connection":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`},
		{ErrorMessage("port already in use"), `{"Error":"port already in use"}`},
	}
	for _, tc := range cases {
		a, b := net.Pipe()
		go func() {
			_ = NewCodec(a).Send(tc.msg)
			a.Close()
		}()
		got, err := io.ReadAll(b)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		want := append([]byte(tc.want), Delimiter)
		if !bytes.Equal(got, want) {
			t.Errorf("encoded %q, want %q", got, want)
		}
	}
}

func TestRecvSequence(t *testing.T) {
	a, b := net.Pipe()
	id := uuid.New()
	go func() {
		_, _ = a.Write([]byte("\"Heartbeat\"\x00{\"Connection\":\"" + id.String() + "\"}\x00"))
		a.Close()
	}()
	dec := NewCodec(b)

	var m ServerMessage
	ok, err := dec.Recv(&m)
	if err != nil || !ok || m.Kind != ServerHeartbeat {
		t.Fatalf("first frame: ok=%v err=%v msg=%+v", ok, err, m)
	}
	m = ServerMessage{}
	ok, err = dec.Recv(&m)
	if err != nil || !ok || m.Kind != ServerConnection || m.ID != id {
		t.Fatalf("second frame: ok=%v err=%v msg=%+v", ok, err, m)
	}
	ok, err = dec.Recv(&m)
	if ok || err != nil {
		t.Fatalf("expected clean end of stream, got ok=%v err=%v", ok, err)
	}
}

func TestRecvUnterminatedTrailingFrame(t *testing.T) {
	a, b := net.Pipe()
	go func() {
		_, _ = a.Write([]byte(`{"Hello":0}`))
		a.Close()
	}()
	var m ClientMessage
	ok, err := NewCodec(b).Recv(&m)
	if err != nil || !ok || m.Kind != ClientHello || m.Port != 0 {
		t.Fatalf("ok=%v err=%v msg=%+v", ok, err, m)
	}
}

func TestRecvMalformed(t *testing.T) {
	for _, frame := range []string{"not json", `{"Nope":1}`, `{"Hello":70000}`, `"Hello"`, `{"Hello":1,"Accept":"x"}`, ``} {
		a, b := net.Pipe()
		go func() {
			_, _ = a.Write(append([]byte(frame), Delimiter))
			a.Close()
		}()
		var m ClientMessage
		ok, err := NewCodec(b).Recv(&m)
		if ok || !errors.Is(err, ErrMalformed) {
			t.Errorf("frame %q: ok=%v err=%v, want ErrMalformed", frame, ok, err)
		}
	}
}

func TestRecvTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	var m ClientMessage
	start := time.Now()
	_, err := NewCodec(b).RecvTimeout(&m, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took too long: %v", time.Since(start))
	}
}

func TestRecvFrameTooLarge(t *testing.T) {
	a, b := net.Pipe()
	go func() {
		_, _ = a.Write(bytes.Repeat([]byte{'a'}, MaxFrameSize+10))
		a.Close()
	}()
	defer b.Close()
	var m ClientMessage
	if _, err := NewCodec(b).Recv(&m); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestConnKeepsBufferedBytes(t *testing.T) {
	a, b := net.Pipe()
	id := uuid.New()
	go func() {
		_ = NewCodec(a).Send(Accept(id))
		_, _ = a.Write([]byte("payload"))
		a.Close()
	}()
	dec := NewCodec(b)
	var m ClientMessage
	if ok, err := dec.Recv(&m); !ok || err != nil || m.ID != id {
		t.Fatalf("recv accept: ok=%v err=%v", ok, err)
	}
	rest, err := io.ReadAll(dec.Conn())
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(rest) != "payload" {
		t.Fatalf("got %q after frame, want payload", rest)
	}
}
