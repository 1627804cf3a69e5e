package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readRecords(t *testing.T, path string) []FileRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []FileRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r FileRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestFilePublisher_AppendsPerTopic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dlq")
	p, err := NewFilePublisher(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := p.Publish(ctx, "stowage-dlq-vehicles", []byte("telemetry@1-0"), []byte(`{"veh":1}`), map[string]string{HeaderSink: "vehicles"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(ctx, "stowage-dlq-vehicles", []byte("telemetry@2-0"), []byte("not json"), nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(ctx, "stowage-dlq-trips", []byte("trips@9-0"), []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	recs := readRecords(t, p.Path("stowage-dlq-vehicles"))
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Key != "telemetry@1-0" || recs[0].Value != `{"veh":1}` || recs[0].Headers[HeaderSink] != "vehicles" {
		t.Errorf("unexpected first record %+v", recs[0])
	}
	if recs[1].Value != "not json" {
		t.Errorf("unexpected second record %+v", recs[1])
	}
	if got := readRecords(t, p.Path("stowage-dlq-trips")); len(got) != 1 {
		t.Errorf("expected 1 trips record, got %d", len(got))
	}
}

func TestFilePublisher_ReopenAppends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		p, err := NewFilePublisher(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Publish(context.Background(), "t", nil, []byte("x"), nil); err != nil {
			t.Fatal(err)
		}
		_ = p.Close()
	}
	p, _ := NewFilePublisher(dir)
	if got := readRecords(t, p.Path("t")); len(got) != 2 {
		t.Errorf("expected records from both runs, got %d", len(got))
	}
}

func TestFilePublisher_TopicCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewFilePublisher(dir)
	if got := filepath.Dir(p.Path("../../etc/passwd")); got != dir {
		t.Errorf("expected path inside %s, got %s", dir, got)
	}
}

func TestFilePublisher_WithHandler(t *testing.T) {
	p, err := NewFilePublisher(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(p)
	if err := h.Send(context.Background(), failedBatch(), FailureInfo{Sink: "vehicles", ErrorKind: "integrity"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	recs := readRecords(t, p.Path(DefaultTopic("vehicles")))
	if len(recs) != 2 || recs[1].Headers[HeaderPosition] != "1618-1" {
		t.Errorf("unexpected records %+v", recs)
	}
}

func TestNewFilePublisher_RequiresDir(t *testing.T) {
	if _, err := NewFilePublisher(""); err == nil {
		t.Error("expected error for empty directory")
	}
}
