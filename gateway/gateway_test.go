package gateway

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL, 0, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestFetchPubkeyByTagReturnsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pubkey" || r.URL.Query().Get("tag") == "" {
			t.Errorf("unexpected request: %s", r.URL)
		}
		w.Write([]byte("pubkey-blob"))
	})

	var tag [32]byte
	tag[0] = 0xab
	blob, err := c.FetchPubkeyByTag(context.Background(), tag)
	if err != nil {
		t.Fatalf("FetchPubkeyByTag: %v", err)
	}
	if string(blob) != "pubkey-blob" {
		t.Errorf("got %q, want pubkey-blob", blob)
	}
}

func TestFetchPubkeyByRipeNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	var ripe [20]byte
	_, err := c.FetchPubkeyByRipe(context.Background(), ripe)
	if err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPostObjectSuccess(t *testing.T) {
	var receivedBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/object" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL)
		}
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		receivedBody = buf
		w.WriteHeader(http.StatusOK)
	})

	if err := c.PostObject(context.Background(), []byte("object-blob")); err != nil {
		t.Fatalf("PostObject: %v", err)
	}
	if string(receivedBody) != "object-blob" {
		t.Errorf("server received %q, want object-blob", receivedBody)
	}
}

func TestPostObjectRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("insufficient PoW"))
	})

	err := c.PostObject(context.Background(), []byte("object-blob"))
	if err == nil {
		t.Fatal("PostObject: got nil error, want ErrRejected")
	}
}

func TestFetchInboundMessagesParsesFrames(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("address") != "BM-test" {
			t.Errorf("address query = %q, want BM-test", r.URL.Query().Get("address"))
		}
		writeFrame(w, []byte("first"))
		writeFrame(w, []byte("second"))
	})

	frames, err := c.FetchInboundMessages(context.Background(), "BM-test", 0)
	if err != nil {
		t.Fatalf("FetchInboundMessages: %v", err)
	}
	if len(frames) != 2 || string(frames[0]) != "first" || string(frames[1]) != "second" {
		t.Fatalf("got %v, want [first second]", frames)
	}
}

func TestFetchInboundMessagesEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	frames, err := c.FetchInboundMessages(context.Background(), "BM-test", 0)
	if err != nil {
		t.Fatalf("FetchInboundMessages: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames, want 0", len(frames))
	}
}

func writeFrame(w http.ResponseWriter, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	w.Write(lenBuf[:])
	w.Write(data)
}
