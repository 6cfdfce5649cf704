package control

import (
	"testing"
	"time"
)

func TestGenerateTokenLengthAndAlphabet(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 64 {
		t.Fatalf("got length %d, want 64", len(tok))
	}
	for _, c := range tok {
		found := false
		for _, a := range tokenAlphabet {
			if c == a {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("token contains non-alphabet rune %q", c)
		}
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("abc", "abc") {
		t.Error("expected equal strings to compare equal")
	}
	if ConstantTimeEqual("abc", "abd") {
		t.Error("expected different strings to compare unequal")
	}
	if ConstantTimeEqual("abc", "abcd") {
		t.Error("expected different-length strings to compare unequal")
	}
}

func TestAuthLimiterBlocksAfterTenFailures(t *testing.T) {
	l := newAuthLimiter()
	fixedNow := time.Now()
	l.now = func() time.Time { return fixedNow }

	for i := 0; i < 9; i++ {
		l.RecordFailure("203.0.113.5:1234")
	}
	if l.Blocked("203.0.113.5:1234") {
		t.Fatal("expected 9 failures to not yet block (threshold is 10)")
	}
	l.RecordFailure("203.0.113.5:1234")
	if !l.Blocked("203.0.113.5:1234") {
		t.Fatal("expected the 10th failure within a minute to block the address, denying the 11th attempt")
	}
}

func TestAuthLimiterUnblocksAfterWindow(t *testing.T) {
	l := newAuthLimiter()
	fixedNow := time.Now()
	l.now = func() time.Time { return fixedNow }
	for i := 0; i < 11; i++ {
		l.RecordFailure("203.0.113.5:1234")
	}
	if !l.Blocked("203.0.113.5:1234") {
		t.Fatal("expected address to be blocked")
	}
	fixedNow = fixedNow.Add(61 * time.Second)
	if l.Blocked("203.0.113.5:1234") {
		t.Fatal("expected block to expire after 60s")
	}
}

func TestAuthLimiterResetClearsHistory(t *testing.T) {
	l := newAuthLimiter()
	fixedNow := time.Now()
	l.now = func() time.Time { return fixedNow }
	for i := 0; i < 5; i++ {
		l.RecordFailure("203.0.113.5:1234")
	}
	l.Reset("203.0.113.5:1234")
	for i := 0; i < 5; i++ {
		l.RecordFailure("203.0.113.5:1234")
	}
	if l.Blocked("203.0.113.5:1234") {
		t.Fatal("expected reset to clear prior failures, so 5 more shouldn't trip the block")
	}
}

func TestAuthLimiterIsolatesByAddress(t *testing.T) {
	l := newAuthLimiter()
	fixedNow := time.Now()
	l.now = func() time.Time { return fixedNow }
	for i := 0; i < 11; i++ {
		l.RecordFailure("203.0.113.5:1234")
	}
	if l.Blocked("203.0.113.6:1234") {
		t.Fatal("expected a different address to be unaffected")
	}
}
