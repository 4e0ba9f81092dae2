package postgres

import (
	"bytes"
	"encoding/binary"
	"testing"

	"go.uber.org/zap"

	"github.com/mehmetymw/sheetsync/internal/config"
)

func cstring(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

func relationMsg(id uint32, name string) []byte {
	var b bytes.Buffer
	b.WriteByte('R')
	binary.Write(&b, binary.BigEndian, id)
	cstring(&b, "public")
	cstring(&b, name)
	b.WriteByte('d')
	binary.Write(&b, binary.BigEndian, uint16(1))
	b.WriteByte(1)
	cstring(&b, "seq")
	binary.Write(&b, binary.BigEndian, uint32(20))
	binary.Write(&b, binary.BigEndian, int32(-1))
	return b.Bytes()
}

func insertMsg(rel uint32, value string) []byte {
	var b bytes.Buffer
	b.WriteByte('I')
	binary.Write(&b, binary.BigEndian, rel)
	b.WriteByte('N')
	binary.Write(&b, binary.BigEndian, uint16(1))
	b.WriteByte('t')
	binary.Write(&b, binary.BigEndian, uint32(len(value)))
	b.WriteString(value)
	return b.Bytes()
}

func commitMsg(lsn uint64) []byte {
	var b bytes.Buffer
	b.WriteByte('C')
	b.WriteByte(0)
	binary.Write(&b, binary.BigEndian, lsn)
	binary.Write(&b, binary.BigEndian, lsn+8)
	binary.Write(&b, binary.BigEndian, int64(0))
	return b.Bytes()
}

func TestHandleXLogNudgesOncePerCommit(t *testing.T) {
	nudges := 0
	w := New("", config.ReplicationConfig{Slot: "s", Publication: "p"}, "students_sync_log", func() { nudges++ }, zap.NewNop())

	steps := [][]byte{
		relationMsg(1, "students_sync_log"),
		relationMsg(2, "students"),
		insertMsg(1, "1"),
		insertMsg(1, "2"),
		commitMsg(100),
		// A transaction touching only other tables does not nudge.
		insertMsg(2, "x"),
		commitMsg(200),
		insertMsg(1, "3"),
		commitMsg(300),
	}
	for i, data := range steps {
		if err := w.handleXLog(data); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if nudges != 2 {
		t.Fatalf("nudged %d times, want 2", nudges)
	}
}

func TestHandleXLogRejectsGarbage(t *testing.T) {
	w := New("", config.ReplicationConfig{}, "t", func() {}, zap.NewNop())
	if err := w.handleXLog([]byte{'?'}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := New("", config.ReplicationConfig{}, "t", func() {}, zap.NewNop())
	w.Stop()
	w.Stop()
}
