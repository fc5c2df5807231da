package cache

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

const (
	testIDA = "aa00000000000000000000000000000000000001"
	testIDB = "bb00000000000000000000000000000000000002"
	testIDC = "cc00000000000000000000000000000000000003"
)

func openTestJournal(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalBitmapReflectsLastWrite(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), journalFileName))

	rng := rand.New(rand.NewSource(7))
	want := make(map[int]bool)
	for i := 0; i < 2000; i++ {
		index := rng.Intn(MaxChunks)
		value := rng.Intn(2) == 0
		if err := j.SetChunk(testIDA, index, value); err != nil {
			t.Fatalf("SetChunk(%d): %v", index, err)
		}
		want[index] = value
	}
	for index, value := range want {
		got, err := j.HasChunk(testIDA, index)
		if err != nil {
			t.Fatalf("HasChunk(%d): %v", index, err)
		}
		if got != value {
			t.Fatalf("HasChunk(%d) = %v, want %v", index, got, value)
		}
	}

	// Neighbouring bits share bytes; order of writes must not matter.
	for _, order := range [][]int{{8, 9, 15}, {15, 9, 8}} {
		id := testIDB
		if order[0] == 15 {
			id = testIDC
		}
		for _, index := range order {
			if err := j.SetChunk(id, index, true); err != nil {
				t.Fatalf("SetChunk: %v", err)
			}
		}
		if err := j.SetChunk(id, 9, false); err != nil {
			t.Fatalf("SetChunk: %v", err)
		}
		for index, value := range map[int]bool{8: true, 9: false, 15: true, 10: false} {
			got, err := j.HasChunk(id, index)
			if err != nil || got != value {
				t.Fatalf("%s HasChunk(%d) = %v, %v; want %v", id, index, got, err, value)
			}
		}
	}
}

func TestJournalHasChunkUnknownEntry(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), journalFileName))
	ok, err := j.HasChunk(testIDA, 0)
	if err != nil || ok {
		t.Fatalf("HasChunk on empty journal = %v, %v", ok, err)
	}
	if _, err := j.HasChunk(testIDA, MaxChunks); !errors.Is(err, ErrChunkRange) {
		t.Fatalf("expected ErrChunkRange, got %v", err)
	}
}

func TestJournalPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), journalFileName)
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.SetHeader(testIDA, 0x10, []byte("alpha")); err != nil {
		t.Fatalf("SetHeader A: %v", err)
	}
	if err := j.SetHeader(testIDA, 0x11, []byte{0, 1, 2, 0xff}); err != nil {
		t.Fatalf("SetHeader B: %v", err)
	}
	for _, index := range []int{0, 3, 16383} {
		if err := j.SetChunk(testIDA, index, true); err != nil {
			t.Fatalf("SetChunk: %v", err)
		}
	}
	before, err := j.Bitmap(testIDA)
	if err != nil {
		t.Fatalf("Bitmap: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestJournal(t, path)
	a, ok, err := reopened.Header(testIDA, 0x10)
	if err != nil || !ok || string(a) != "alpha" {
		t.Fatalf("header A = %q, %v, %v", a, ok, err)
	}
	b, ok, err := reopened.Header(testIDA, 0x11)
	if err != nil || !ok || !bytes.Equal(b, []byte{0, 1, 2, 0xff}) {
		t.Fatalf("header B = %x, %v, %v", b, ok, err)
	}
	after, err := reopened.Bitmap(testIDA)
	if err != nil {
		t.Fatalf("Bitmap: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("bitmap changed across reopen")
	}
}

func TestJournalReusesFreedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), journalFileName)
	j := openTestJournal(t, path)

	for _, id := range []string{testIDA, testIDB} {
		if err := j.SetChunk(id, 1, true); err != nil {
			t.Fatalf("SetChunk: %v", err)
		}
	}
	if err := j.Remove(testIDA); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := j.Remove(testIDA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
	if err := j.SetChunk(testIDC, 2, true); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 2*recordSize {
		t.Fatalf("journal size = %d, want %d", info.Size(), 2*recordSize)
	}
	ids, err := j.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(ids) != 2 || ids[0] != testIDC || ids[1] != testIDB {
		t.Fatalf("Entries = %v", ids)
	}
	// The reused record starts clean.
	if ok, _ := j.HasChunk(testIDC, 1); ok {
		t.Fatal("reused record kept the previous bitmap")
	}
}

func TestJournalHeaderSlots(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), journalFileName))

	for hid := byte(1); hid <= maxHeaders; hid++ {
		if err := j.SetHeader(testIDA, hid, []byte{hid}); err != nil {
			t.Fatalf("SetHeader(%d): %v", hid, err)
		}
	}
	if err := j.SetHeader(testIDA, 0x40, []byte{1}); !errors.Is(err, ErrHeaderSpace) {
		t.Fatalf("ninth header = %v, want ErrHeaderSpace", err)
	}
	if err := j.SetHeader(testIDA, 3, []byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := j.Header(testIDA, 3)
	if err != nil || !ok || !bytes.Equal(value, []byte{0xaa, 0xbb}) {
		t.Fatalf("overwritten header = %x, %v, %v", value, ok, err)
	}
	headers, err := j.Headers(testIDA)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if len(headers) != maxHeaders {
		t.Fatalf("headers = %d, want %d", len(headers), maxHeaders)
	}

	if err := j.SetHeader(testIDB, 1, make([]byte, maxHeaderLength)); !errors.Is(err, ErrHeaderSpace) {
		t.Fatalf("oversized header = %v, want ErrHeaderSpace", err)
	}
}

func TestJournalRejectsInvalidIDs(t *testing.T) {
	j := openTestJournal(t, filepath.Join(t.TempDir(), journalFileName))
	for _, id := range []string{"", "a", "ab/cd", string(make([]byte, maxIDLength+1))} {
		if err := j.SetChunk(id, 0, true); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("SetChunk(%q) = %v, want ErrInvalidID", id, err)
		}
	}
}
