package task_test

import (
	"testing"
	"time"

	"github.com/Strob0t/TaskForge/internal/domain/task"
)

func TestBackoffSequence(t *testing.T) {
	p := task.DefaultRetryPolicy()
	wantMS := []int64{5000, 10000, 20000, 40000, 80000, 160000, 300000, 300000}
	for n, want := range wantMS {
		if got := p.Backoff(n).Milliseconds(); got != want {
			t.Errorf("Backoff(%d) = %dms, want %dms", n, got, want)
		}
	}
}

func TestBackoffLargeCountStaysCapped(t *testing.T) {
	p := task.DefaultRetryPolicy()
	if got := p.Backoff(1000); got != task.DefaultMaxDelay {
		t.Fatalf("Backoff(1000) = %v", got)
	}
}

func TestBackoffNoCap(t *testing.T) {
	p := task.RetryPolicy{BaseDelay: time.Second}
	if got := p.Backoff(3); got != 8*time.Second {
		t.Fatalf("Backoff(3) = %v", got)
	}
	if got := p.Backoff(200); got <= 0 {
		t.Fatalf("Backoff(200) overflowed: %v", got)
	}
}

func TestBackoffEdgeCases(t *testing.T) {
	p := task.DefaultRetryPolicy()
	if got := p.Backoff(-1); got != task.DefaultBaseDelay {
		t.Fatalf("negative count = %v", got)
	}
	if got := (task.RetryPolicy{}).Backoff(4); got != 0 {
		t.Fatalf("zero policy = %v", got)
	}
}
