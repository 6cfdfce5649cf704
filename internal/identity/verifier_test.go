package identity

import (
	"errors"
	"testing"
	"time"
)

// stubVerifier counts calls so tests can assert on caching behavior.
type stubVerifier struct {
	calls  int
	result Result
	err    error
}

func (s *stubVerifier) Verify(peerAddr string) (Result, error) {
	s.calls++
	return s.result, s.err
}

func TestLoopbackVerifier(t *testing.T) {
	v := LoopbackVerifier{HostKeyFingerprint: "abcd1234ef"}

	res, err := v.Verify("127.0.0.1:5555")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != Loopback {
		t.Errorf("got %v, want Loopback", res.Verdict)
	}

	res, err = v.Verify("[::1]:5555")
	if err != nil || res.Verdict != Loopback {
		t.Errorf("got verdict=%v err=%v, want Loopback/nil", res.Verdict, err)
	}

	res, err = v.Verify("203.0.113.5:22")
	if err != nil || res.Verdict != Rejected {
		t.Errorf("got verdict=%v err=%v, want Rejected/nil", res.Verdict, err)
	}
}

func TestCachingVerifierCachesWithinTTL(t *testing.T) {
	stub := &stubVerifier{result: Result{Verdict: Verified, DeviceName: "laptop-1"}}
	c := NewCachingVerifierTTL(stub, time.Minute)

	fixedNow := time.Now()
	c.now = func() time.Time { return fixedNow }

	for i := 0; i < 5; i++ {
		res, err := c.Verify("10.0.0.1:9000")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.DeviceName != "laptop-1" {
			t.Errorf("got device %q, want laptop-1", res.DeviceName)
		}
	}
	if stub.calls != 1 {
		t.Fatalf("got %d calls to inner verifier, want 1 (cache should have absorbed the rest)", stub.calls)
	}
}

func TestCachingVerifierExpiresAfterTTL(t *testing.T) {
	stub := &stubVerifier{result: Result{Verdict: Verified, DeviceName: "laptop-1"}}
	c := NewCachingVerifierTTL(stub, 10*time.Second)

	fixedNow := time.Now()
	c.now = func() time.Time { return fixedNow }

	if _, err := c.Verify("10.0.0.1:9000"); err != nil {
		t.Fatal(err)
	}
	fixedNow = fixedNow.Add(11 * time.Second)
	if _, err := c.Verify("10.0.0.1:9000"); err != nil {
		t.Fatal(err)
	}
	if stub.calls != 2 {
		t.Fatalf("got %d calls, want 2 (entry should have expired)", stub.calls)
	}
}

func TestCachingVerifierCachesErrors(t *testing.T) {
	stub := &stubVerifier{err: errors.New("mesh unavailable")}
	c := NewCachingVerifierTTL(stub, time.Minute)
	fixedNow := time.Now()
	c.now = func() time.Time { return fixedNow }

	for i := 0; i < 3; i++ {
		if _, err := c.Verify("10.0.0.1:9000"); err == nil {
			t.Fatal("expected cached error to be returned")
		}
	}
	if stub.calls != 1 {
		t.Fatalf("got %d calls, want 1", stub.calls)
	}
}

func TestCachingVerifierPerAddressIsolation(t *testing.T) {
	stub := &stubVerifier{result: Result{Verdict: Verified, DeviceName: "dev"}}
	c := NewCachingVerifierTTL(stub, time.Minute)
	fixedNow := time.Now()
	c.now = func() time.Time { return fixedNow }

	if _, err := c.Verify("10.0.0.1:1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Verify("10.0.0.2:1"); err != nil {
		t.Fatal(err)
	}
	if stub.calls != 2 {
		t.Fatalf("got %d calls, want 2 (different addresses must not share a cache slot)", stub.calls)
	}
}
