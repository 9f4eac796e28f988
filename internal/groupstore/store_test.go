package groupstore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/whyjp/durastash/internal/batch"
	pebblestore "github.com/whyjp/durastash/internal/storage/pebble"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	s := New(db, opts)
	t.Cleanup(func() {
		_ = s.Close()
		_ = db.Close()
	})
	return s
}

func mustSave(t *testing.T, s *Store, group string, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		if err := s.Save(group, []byte(p)); err != nil {
			t.Fatalf("save %q: %v", p, err)
		}
	}
}

func asStrings(data [][]byte) []string {
	out := make([]string, 0, len(data))
	for _, d := range data {
		out = append(out, string(d))
	}
	return out
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t, Options{})
	if _, err := s.InitializeSession("g"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	mustSave(t, s, "g", "a", "b", "c")

	results, err := s.LoadBatch("g", 100)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("want one batch, got %d", len(results))
	}
	r := results[0]
	if got := asStrings(r.Data); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("want [a b c], got %v", got)
	}
	if r.SequenceStart != 0 || r.SequenceEnd != int64(DefaultBatchSize-1) {
		t.Fatalf("window wrong: [%d, %d]", r.SequenceStart, r.SequenceEnd)
	}
}

func TestAcknowledgeRemovesData(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a", "b", "c")
	results, _ := s.LoadBatch("g", 100)
	if len(results) != 1 {
		t.Fatalf("want one batch")
	}

	ok, err := s.AcknowledgeBatch("g", results[0].BatchID)
	if err != nil || !ok {
		t.Fatalf("ack: %v %v", ok, err)
	}

	again, err := s.LoadBatch("g", 100)
	if err != nil || len(again) != 0 {
		t.Fatalf("load after ack should be empty: %v %v", again, err)
	}
	peeked, err := s.PeekLoad("g")
	if err != nil || len(peeked) != 0 {
		t.Fatalf("peek after ack should be empty: %v %v", peeked, err)
	}
}

func TestResaveKeepsTail(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a", "b", "c")
	results, _ := s.LoadBatch("g", 100)
	if len(results) != 1 {
		t.Fatalf("want one batch")
	}
	original := results[0].BatchID

	if err := s.ResaveBatch("g", original, [][]byte{[]byte("b"), []byte("c")}); err != nil {
		t.Fatalf("resave: %v", err)
	}

	// exactly one new pending batch carrying the tail, original gone
	reloaded, err := s.LoadBatch("g", 100)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reloaded) != 1 {
		t.Fatalf("want exactly one batch after resave, got %d", len(reloaded))
	}
	if reloaded[0].BatchID == original {
		t.Fatalf("resave must mint a fresh batch id")
	}
	if got := asStrings(reloaded[0].Data); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("want [b c], got %v", got)
	}
}

func TestResaveEmptyEqualsAcknowledge(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a", "b")
	results, _ := s.LoadBatch("g", 100)
	if err := s.ResaveBatch("g", results[0].BatchID, nil); err != nil {
		t.Fatalf("resave empty: %v", err)
	}
	peeked, _ := s.PeekLoad("g")
	if len(peeked) != 0 {
		t.Fatalf("empty resave should drop everything: %v", asStrings(peeked))
	}
	again, _ := s.LoadBatch("g", 100)
	if len(again) != 0 {
		t.Fatalf("no batch should remain")
	}
}

func TestResavePreconditions(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a")

	// unknown batch
	err := s.ResaveBatch("g", "01ARZ3NDEKTSV4RRFFQ69G5FAV", [][]byte{[]byte("x")})
	if !errors.Is(err, batch.ErrBatchNotFound) {
		t.Fatalf("want ErrBatchNotFound, got %v", err)
	}

	// pending batch cannot be resaved
	sid := s.SessionID("g")
	pendingID := s.batches.FindBatchIDBySequence("g", sid, 0)
	if pendingID == "" {
		t.Fatalf("pending batch should exist")
	}
	err = s.ResaveBatch("g", pendingID, [][]byte{[]byte("x")})
	if !errors.Is(err, ErrBatchNotLoaded) {
		t.Fatalf("want ErrBatchNotLoaded, got %v", err)
	}
}

func TestFIFOOrder(t *testing.T) {
	s := newTestStore(t, Options{})
	var want []string
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("data%d", i)
		want = append(want, p)
		mustSave(t, s, "g", p)
	}
	results, _ := s.LoadBatch("g", 100)
	if len(results) != 1 {
		t.Fatalf("want one batch")
	}
	got := asStrings(results[0].Data)
	if len(got) != len(want) {
		t.Fatalf("want %d payloads, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: want %s got %s", i, want[i], got[i])
		}
	}
}

func TestBatchSizeLimit(t *testing.T) {
	s := newTestStore(t, Options{})
	s.SetBatchSize(5)
	if s.BatchSize() != 5 {
		t.Fatalf("batch size not applied")
	}
	for i := 0; i < 12; i++ {
		mustSave(t, s, "g", fmt.Sprintf("p%d", i))
	}
	results, _ := s.LoadBatch("g", 1)
	if len(results) != 1 {
		t.Fatalf("want exactly one batch, got %d", len(results))
	}
	if len(results[0].Data) != 5 {
		t.Fatalf("want 5 payloads in first window, got %d", len(results[0].Data))
	}
	if results[0].SequenceStart != 0 || results[0].SequenceEnd != 4 {
		t.Fatalf("first window wrong: [%d, %d]", results[0].SequenceStart, results[0].SequenceEnd)
	}
}

func TestWindowBoundaryOpensNewBatch(t *testing.T) {
	s := newTestStore(t, Options{DefaultBatchSize: 2})
	mustSave(t, s, "g", "a", "b", "c", "d", "e")

	results, _ := s.LoadBatch("g", 100)
	if len(results) != 3 {
		t.Fatalf("5 saves at B=2 should form 3 batches, got %d", len(results))
	}
	wantWindows := [][2]int64{{0, 1}, {2, 3}, {4, 5}}
	wantData := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	for i, r := range results {
		if r.SequenceStart != wantWindows[i][0] || r.SequenceEnd != wantWindows[i][1] {
			t.Fatalf("batch %d window: [%d, %d]", i, r.SequenceStart, r.SequenceEnd)
		}
		got := asStrings(r.Data)
		if len(got) != len(wantData[i]) {
			t.Fatalf("batch %d payload count: %v", i, got)
		}
		for j := range got {
			if got[j] != wantData[i][j] {
				t.Fatalf("batch %d payload %d: %v", i, j, got)
			}
		}
	}
}

func TestShrinkingBatchSizeKeepsOpenBatch(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a", "b", "c")
	s.SetBatchSize(2)

	results, _ := s.LoadBatch("g", 1)
	if len(results) != 1 {
		t.Fatalf("want the already-open batch")
	}
	if results[0].SequenceEnd != int64(DefaultBatchSize-1) {
		t.Fatalf("existing batch must keep its window: [%d, %d]",
			results[0].SequenceStart, results[0].SequenceEnd)
	}
	if len(results[0].Data) != 3 {
		t.Fatalf("payloads lost on resize: %v", asStrings(results[0].Data))
	}
}

func TestPeekIsNonDestructive(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "x", "y", "z")

	first, err := s.PeekLoad("g")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	second, _ := s.PeekLoad("g")
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("peek must not consume: %d then %d", len(first), len(second))
	}
	for i := range first {
		if !bytes.Equal(first[i], second[i]) {
			t.Fatalf("peek results differ at %d", i)
		}
	}

	// peek still sees loaded-but-unacknowledged payloads
	results, _ := s.LoadBatch("g", 100)
	afterLoad, _ := s.PeekLoad("g")
	if len(afterLoad) != 3 {
		t.Fatalf("peek should survive load: %d", len(afterLoad))
	}
	_, _ = s.AcknowledgeBatch("g", results[0].BatchID)
	afterAck, _ := s.PeekLoad("g")
	if len(afterAck) != 0 {
		t.Fatalf("peek after ack should be empty: %d", len(afterAck))
	}
}

func TestEverySaveVisibleToPeek(t *testing.T) {
	s := newTestStore(t, Options{DefaultBatchSize: 3})
	var want []string
	for i := 0; i < 8; i++ {
		p := fmt.Sprintf("v%d", i)
		want = append(want, p)
		mustSave(t, s, "g", p)
	}
	got := asStrings(mustPeek(t, s, "g"))
	if len(got) != len(want) {
		t.Fatalf("want %d, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order broken at %d: %v", i, got)
		}
	}
}

func mustPeek(t *testing.T, s *Store, group string) [][]byte {
	t.Helper()
	out, err := s.PeekLoad(group)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	return out
}

func TestLoadBatchAtMostOnce(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a")
	first, _ := s.LoadBatch("g", 100)
	if len(first) != 1 {
		t.Fatalf("first load should win")
	}
	second, _ := s.LoadBatch("g", 100)
	if len(second) != 0 {
		t.Fatalf("second load must not re-deliver")
	}
}

func TestLoadBatchNeverDuplicatesUnderConcurrency(t *testing.T) {
	s := newTestStore(t, Options{DefaultBatchSize: 1})
	const total = 40
	for i := 0; i < total; i++ {
		mustSave(t, s, "g", fmt.Sprintf("p%d", i))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				results, err := s.LoadBatch("g", 5)
				if err != nil {
					t.Errorf("load: %v", err)
					return
				}
				if len(results) == 0 {
					return
				}
				mu.Lock()
				for _, r := range results {
					seen[r.BatchID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("want %d distinct batches, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("batch %s delivered %d times", id, n)
		}
	}
}

func TestConcurrentSavesAllLand(t *testing.T) {
	s := newTestStore(t, Options{})
	// initialize up front so workers race only on the save path
	if _, err := s.InitializeSession("g"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := s.Save("g", []byte(fmt.Sprintf("w%d-%d", w, i))); err != nil {
					t.Errorf("save: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	payloads := mustPeek(t, s, "g")
	if len(payloads) != workers*perWorker {
		t.Fatalf("want %d payloads, got %d", workers*perWorker, len(payloads))
	}
	distinct := make(map[string]bool)
	for _, p := range payloads {
		distinct[string(p)] = true
	}
	if len(distinct) != workers*perWorker {
		t.Fatalf("duplicate payloads observed")
	}
}

func TestGroupsAreIsolated(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g1", "one")
	mustSave(t, s, "g2", "two")

	r1, _ := s.LoadBatch("g1", 100)
	if len(r1) != 1 || string(r1[0].Data[0]) != "one" {
		t.Fatalf("g1 load crossed groups: %v", r1)
	}
	r2, _ := s.LoadBatch("g2", 100)
	if len(r2) != 1 || string(r2[0].Data[0]) != "two" {
		t.Fatalf("g2 load crossed groups: %v", r2)
	}
	if s.SessionID("g1") == s.SessionID("g2") {
		t.Fatalf("groups should get distinct sessions")
	}
}

func TestSaveAutoCreatesSession(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a")
	if s.SessionID("g") == "" {
		t.Fatalf("save should have initialized a session")
	}
}

func TestTerminateSessionResetsGroupState(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a", "b")
	old := s.SessionID("g")

	s.TerminateSession("g")
	if s.SessionID("g") != "" {
		t.Fatalf("session mapping should be cleared")
	}
	if _, err := s.LoadBatch("g", 100); !errors.Is(err, ErrNoSession) {
		t.Fatalf("want ErrNoSession, got %v", err)
	}

	// the next save starts a fresh session and a fresh counter
	mustSave(t, s, "g", "again")
	if s.SessionID("g") == old || s.SessionID("g") == "" {
		t.Fatalf("expected a fresh session")
	}
	results, _ := s.LoadBatch("g", 100)
	if len(results) != 1 || results[0].SequenceStart != 0 {
		t.Fatalf("fresh session should restart sequences at 0: %+v", results)
	}
	if len(results[0].Data) != 1 || string(results[0].Data[0]) != "again" {
		t.Fatalf("prior session's payloads must stay invisible: %v", asStrings(results[0].Data))
	}
}

func TestAcknowledgeUnknownBatch(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a")
	ok, err := s.AcknowledgeBatch("g", "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if err != nil {
		t.Fatalf("unknown batch should not error: %v", err)
	}
	if ok {
		t.Fatalf("unknown batch should acknowledge false")
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	s := newTestStore(t, Options{})
	mustSave(t, s, "g", "a")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.Save("g", []byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if _, err := s.LoadBatch("g", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestFindBatchIDBySequence(t *testing.T) {
	s := newTestStore(t, Options{DefaultBatchSize: 2})
	mustSave(t, s, "g", "a", "b", "c")
	if id := s.FindBatchIDBySequence("g", 2); id == "" {
		t.Fatalf("sequence 2 should resolve to the second batch")
	}
	if id := s.FindBatchIDBySequence("g", 99); id != "" {
		t.Fatalf("uncovered sequence should resolve empty")
	}
}
