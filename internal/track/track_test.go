package track

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/LockOne/parmesan/internal/cond"
)

// writeRecord encodes one record in the same layout readRecord
// expects, used to build fixture track files for the decoder tests.
func writeRecord(t *testing.T, f *os.File, c cond.CondStmt) {
	t.Helper()
	fields := []any{
		c.CmpID, c.Context, c.Func, c.Order, c.Condition, uint32(c.Op),
		uint32(len(c.Offsets)), c.Arg1, c.Arg2, c.LastCallsite, uint32(len(c.Variables)),
	}
	for _, v := range fields {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, off := range c.Offsets {
		binary.Write(f, binary.LittleEndian, off.Begin)
		binary.Write(f, binary.LittleEndian, off.End)
	}
	if _, err := f.Write(c.Variables); err != nil {
		t.Fatalf("write variables: %v", err)
	}
}

func TestLoadDecodesMultipleRecordsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first := cond.CondStmt{CmpID: 1, Context: 0, Func: 10, Order: 0, Condition: 1, Op: cond.OpEq, Arg1: 5, Arg2: 6, Offsets: []cond.TaintRange{{Begin: 0, End: 4}}, Variables: []byte{1, 2, 3, 4}}
	second := cond.CondStmt{CmpID: 2, Context: 0, Func: 10, Order: 1, Condition: 0, Op: cond.OpLt, LastCallsite: 99, Variables: []byte{9}}
	writeRecord(t, f, first)
	writeRecord(t, f, second)
	f.Close()

	got, err := Load(path, 42, 100, false, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].CmpID != 1 || got[1].CmpID != 2 {
		t.Fatalf("expected records in file order, got cmpids %d, %d", got[0].CmpID, got[1].CmpID)
	}
	if got[0].Speed != 100 || got[1].Speed != 100 {
		t.Fatal("expected the run's speed to be stamped onto every decoded record")
	}
	if len(got[0].Offsets) != 1 || got[0].Offsets[0].End != 4 {
		t.Fatalf("expected offsets decoded correctly, got %+v", got[0].Offsets)
	}
	if got[1].LastCallsite != 99 {
		t.Fatalf("expected last_callsite 99, got %d", got[1].LastCallsite)
	}
}

func TestLoadEmptyFileReturnsEmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.Close()

	got, err := Load(path, 1, 1, false, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}

func TestLoadTruncatedRecordIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Write a cmpid but nothing else: a genuinely truncated record,
	// not a clean end-of-file boundary.
	binary.Write(f, binary.LittleEndian, uint32(7))
	f.Close()

	if _, err := Load(path, 1, 1, false, false); err == nil {
		t.Fatal("expected an error decoding a truncated record")
	}
}
