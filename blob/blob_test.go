package blob

import (
	"errors"
	"os"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := ChunksKey("doc1", 2)
	if err := s.Put(key, []byte("line\n")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "line\n" {
		t.Errorf("got %q", got)
	}
	if !s.Exists(key) {
		t.Error("Exists must report stored key")
	}
}

func TestGetMissing(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Get(RawKey("doc", "nothing.bin"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want fs not-exist", err)
	}
}

func TestTraversalRejected(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../escape", "raw/../../etc/passwd", "", "/abs"} {
		if err := s.Put(key, []byte("x")); err == nil {
			t.Errorf("key %q must be rejected", key)
		}
	}
}

func TestListPrefix(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		ChunksKey("d", 1),
		ManifestKey("d", 1),
		RawKey("d", "orig.html"),
	} {
		if err := s.Put(key, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.List("derived/d")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v", keys)
	}
	if keys[0] != "derived/d/v1/chunks.jsonl" || keys[1] != "derived/d/v1/manifest.json" {
		t.Errorf("keys = %v", keys)
	}
}
