package statlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLogAppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat.jsonl")
	l := Open(path, 1, 1)
	defer l.Close()

	if err := l.RecordBoot("fn1", 128<<20, 1000); err != nil {
		t.Fatalf("RecordBoot: %v", err)
	}
	if err := l.RecordCompletion("fn1", 1000, 2000); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if err := l.RecordEviction("fn1", 3000); err != nil {
		t.Fatalf("RecordEviction: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open stat file: %v", err)
	}
	defer f.Close()

	var lines []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal line %q: %v", sc.Text(), err)
		}
		lines = append(lines, r)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[0].Kind != "boot" || lines[0].VMsCreated != 1 {
		t.Fatalf("boot record = %+v", lines[0])
	}
	if lines[1].Kind != "completion" || lines[1].RequestsCompleted != 1 {
		t.Fatalf("completion record = %+v", lines[1])
	}
	if lines[2].Kind != "eviction" || lines[2].Evictions != 1 {
		t.Fatalf("eviction record = %+v", lines[2])
	}
}
