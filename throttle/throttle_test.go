package throttle

import "testing"

func TestFailThreshold(t *testing.T) {
	tr := New()
	for i := 0; i < MaxFailures; i++ {
		if tr.Fail("1.2.3.4") {
			t.Fatalf("attempt %d: blocked too early", i+1)
		}
	}
	if !tr.Fail("1.2.3.4") {
		t.Fatal("4th failure should block")
	}
	if !tr.Blocked("1.2.3.4") {
		t.Fatal("expected Blocked to report true after 4th failure")
	}
}

func TestResetClearsBucket(t *testing.T) {
	tr := New()
	for i := 0; i < MaxFailures; i++ {
		tr.Fail("fred")
	}
	tr.Reset("fred")
	if tr.Blocked("fred") {
		t.Fatal("Blocked should be false after Reset")
	}
}

func TestIndependentKeys(t *testing.T) {
	tr := New()
	for i := 0; i < MaxFailures+1; i++ {
		tr.Fail("a")
	}
	if tr.Blocked("b") {
		t.Fatal("unrelated key should not be blocked")
	}
}
