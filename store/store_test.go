package store

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fabclient/fabclient/errs"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadChannel(t *testing.T) {
	s := open(t)

	if _, err := s.LoadChannel("mychannel"); !errs.IsKind(err, errs.Argument) {
		t.Errorf("load before save: got %v", err)
	}

	if err := s.SaveChannel("mychannel", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadChannel("mychannel")
	if err != nil || !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("load: %q, %v", got, err)
	}

	// save is an upsert
	if err := s.SaveChannel("mychannel", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.LoadChannel("mychannel"); !bytes.Equal(got, []byte("v2")) {
		t.Errorf("after upsert: %q", got)
	}

	if err := s.SaveChannel("", []byte("x")); !errs.IsKind(err, errs.Argument) {
		t.Errorf("blank name: got %v", err)
	}
	if err := s.SaveChannel("x", nil); !errs.IsKind(err, errs.Argument) {
		t.Errorf("empty blob: got %v", err)
	}
}

func TestChannelNames(t *testing.T) {
	s := open(t)
	for _, n := range []string{"beta", "alpha"} {
		if err := s.SaveChannel(n, []byte("b")); err != nil {
			t.Fatal(err)
		}
	}
	names, err := s.ChannelNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("names: %v", names)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	s := open(t)

	if _, seen, err := s.LastProcessedBlock("ch"); err != nil || seen {
		t.Fatalf("fresh channel: seen=%v err=%v", seen, err)
	}

	for _, b := range []uint64{5, 9, 3} {
		if err := s.MarkProcessed("ch", b); err != nil {
			t.Fatal(err)
		}
	}
	block, seen, err := s.LastProcessedBlock("ch")
	if err != nil {
		t.Fatal(err)
	}
	if !seen || block != 9 {
		t.Errorf("cursor regressed: block=%d seen=%v", block, seen)
	}

	// block 0 is a valid checkpoint and distinguishable from "never seen"
	if err := s.MarkProcessed("other", 0); err != nil {
		t.Fatal(err)
	}
	block, seen, err = s.LastProcessedBlock("other")
	if err != nil || !seen || block != 0 {
		t.Errorf("block 0: block=%d seen=%v err=%v", block, seen, err)
	}
}
