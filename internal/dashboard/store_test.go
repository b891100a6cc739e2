package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"hvcollector/internal/pipeline"
)

func TestRunStoreKeepsLatest(t *testing.T) {
	var s runStore
	if s.get() != nil {
		t.Fatalf("empty store returned a run")
	}
	s.publish(&pipeline.Result{RunID: "a"})
	s.publish(&pipeline.Result{RunID: "b"})
	if got := s.get().RunID; got != "b" {
		t.Fatalf("latest run = %s", got)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "orchestrator", "asset": "BTC"}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	if snapshot[0].Component != "orchestrator" || snapshot[0].Fields["asset"] != "BTC" {
		t.Fatalf("unexpected snapshot data: %#v", snapshot[0])
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.ErrorLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[1].Fields["index"] != 3 {
		t.Fatalf("expected the 2 most recent entries, got %#v", snapshot)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.snapshot()) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}

func TestLogStoreLevels(t *testing.T) {
	for _, l := range newLogStore(1).Levels() {
		if l == logrus.InfoLevel || l == logrus.DebugLevel {
			t.Fatalf("log store captures %s", l)
		}
	}
}
