// Package track decodes the opaque binary stream the tracking binary
// writes: an ordered list of CondStmt records describing every
// conditional branch a single run passed through, with full taint
// metadata. The executor treats this as the sole exchange format and
// never interprets the stream's layout beyond the decoded records.
package track

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/LockOne/parmesan/internal/cond"
)

// recordHeader is the fixed-size portion of one track record. Variable
// length data (offsets, variables) follow immediately after.
type recordHeader struct {
	CmpID        uint32
	Context      uint32
	Func         uint32
	Order        uint32
	Condition    uint64
	Op           uint32
	OffsetCount  uint32
	Arg1         uint64
	Arg2         uint64
	LastCallsite uint32
	VarLen       uint32
}

// Load reads and decodes every record in the track file at path into
// an ordered CondStmt list, tagging each with speed (run-level
// metadata the track file itself does not carry) and IsDesirable
// seeded true. id, pinMode and enableExploitation do not affect the
// decoded records; every record in the file is returned.
func Load(path string, id uint32, speed uint32, pinMode bool, enableExploitation bool) ([]cond.CondStmt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("track: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []cond.CondStmt
	for {
		c, err := readRecord(r, speed)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("track: decode %s: %w", path, err)
		}
		out = append(out, c)
	}
	_ = pinMode
	_ = enableExploitation
	_ = id
	return out, nil
}

func readRecord(r *bufio.Reader, speed uint32) (cond.CondStmt, error) {
	var hdr recordHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr.CmpID); err != nil {
		return cond.CondStmt{}, err // propagate io.EOF on a clean record boundary
	}
	rest := []any{
		&hdr.Context, &hdr.Func, &hdr.Order, &hdr.Condition, &hdr.Op,
		&hdr.OffsetCount, &hdr.Arg1, &hdr.Arg2, &hdr.LastCallsite, &hdr.VarLen,
	}
	for _, field := range rest {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return cond.CondStmt{}, fmt.Errorf("truncated record header: %w", err)
		}
	}

	offsets := make([]cond.TaintRange, hdr.OffsetCount)
	for i := range offsets {
		if err := binary.Read(r, binary.LittleEndian, &offsets[i].Begin); err != nil {
			return cond.CondStmt{}, fmt.Errorf("truncated offsets: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &offsets[i].End); err != nil {
			return cond.CondStmt{}, fmt.Errorf("truncated offsets: %w", err)
		}
	}

	variables := make([]byte, hdr.VarLen)
	if _, err := io.ReadFull(r, variables); err != nil {
		return cond.CondStmt{}, fmt.Errorf("truncated variables: %w", err)
	}

	return cond.CondStmt{
		CmpID:        hdr.CmpID,
		Context:      hdr.Context,
		Func:         hdr.Func,
		Order:        hdr.Order,
		Condition:    hdr.Condition,
		Op:           cond.Op(hdr.Op),
		Arg1:         hdr.Arg1,
		Arg2:         hdr.Arg2,
		Offsets:      offsets,
		Variables:    variables,
		Speed:        speed,
		State:        cond.StateInitial,
		IsDesirable:  true,
		IsConsistent: true,
		LastCallsite: hdr.LastCallsite,
	}, nil
}
