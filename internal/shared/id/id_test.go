package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateString(t *testing.T) {
	gen := NewGenerator()

	id := gen.GenerateString()

	if len(id) != 26 {
		t.Errorf("ULID should be 26 characters, got %d", len(id))
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	for _, prefix := range []string{SessionPrefix, WorkerPrefix, JobPrefix} {
		id := gen.GenerateWithPrefix(prefix)

		if !strings.HasPrefix(id, prefix+"_") {
			t.Errorf("ID should start with '%s_', got: %s", prefix, id)
		}
		if !IsValid(id, prefix) {
			t.Errorf("ID should validate against its own prefix: %s", id)
		}
	}
}

func TestTypedConstructors(t *testing.T) {
	sess := NewSessionID()
	wrk := NewWorkerID()
	job := NewJobID()

	if !IsValid(sess.String(), SessionPrefix) {
		t.Errorf("Invalid session ID: %s", sess)
	}
	if !IsValid(wrk.String(), WorkerPrefix) {
		t.Errorf("Invalid worker ID: %s", wrk)
	}
	if !IsValid(job.String(), JobPrefix) {
		t.Errorf("Invalid job ID: %s", job)
	}
	if IsValid(sess.String(), WorkerPrefix) {
		t.Error("Session ID should not validate as worker ID")
	}
}

func TestIsValidRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "sess_", "sess_notaulid", "01HX", "sess-01HX"} {
		if IsValid(bad, SessionPrefix) {
			t.Errorf("Should reject %q", bad)
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Second)
	sess := NewSessionID()
	after := time.Now().Add(time.Second)

	ts, err := Timestamp(sess.String())
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("Timestamp %v outside [%v, %v]", ts, before, after)
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()

	const workers = 8
	const perWorker = 100

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := gen.GenerateString()
				mu.Lock()
				if seen[id] {
					t.Errorf("Duplicate ID: %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
