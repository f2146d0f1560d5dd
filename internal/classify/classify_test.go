package classify

import (
	"errors"
	"testing"
)

func TestClassify_NilError(t *testing.T) {
	d := Classify(nil)
	if d.Category != NonRetryable {
		t.Fatalf("expected NonRetryable, got %s", d.Category)
	}
}

func TestClassify_NonRetryableCodes(t *testing.T) {
	for _, code := range []string{"ENOENT", "EACCES", "EPERM", "ENOTFOUND", "EISDIR", "ENOTDIR"} {
		d := Classify(&StructuredError{Message: "boom", Code: code})
		if d.Category != NonRetryable {
			t.Fatalf("code %s: expected NonRetryable, got %s", code, d.Category)
		}
	}
}

func TestClassify_RetryableCodes(t *testing.T) {
	d := Classify(&StructuredError{Message: "boom", Code: "ETIMEDOUT"})
	if !d.IsRetryable() || d.SuggestedDelayMS != 5000 {
		t.Fatalf("expected retryable with 5000ms delay, got %+v", d)
	}

	d = Classify(&StructuredError{Message: "boom", Code: "ECONNREFUSED"})
	if !d.IsRetryable() || d.SuggestedDelayMS != 10000 {
		t.Fatalf("ECONNREFUSED should start at 10s backoff, got %+v", d)
	}
}

func TestClassify_HTTPStatuses(t *testing.T) {
	cases := []struct {
		status  int
		wantRet bool
		delay   int64
	}{
		{400, false, 0},
		{404, false, 0},
		{408, true, 5000},
		{429, true, 60000},
		{500, true, 5000},
		{503, true, 5000},
	}

	for _, c := range cases {
		d := Classify(&StructuredError{Message: "boom", Status: c.status})
		if d.IsRetryable() != c.wantRet {
			t.Fatalf("status %d: expected retryable=%v, got %v", c.status, c.wantRet, d.IsRetryable())
		}
		if c.wantRet && d.SuggestedDelayMS != c.delay {
			t.Fatalf("status %d: expected delay %d, got %d", c.status, c.delay, d.SuggestedDelayMS)
		}
	}
}

func TestClassify_429IsExactly60Seconds(t *testing.T) {
	d := Classify(&StructuredError{Message: "rate limited", Status: 429})
	if d.SuggestedDelayMS != 60000 {
		t.Fatalf("expected exactly 60000ms delay for 429, got %d", d.SuggestedDelayMS)
	}
}

func TestClassify_MessagePatternFallback(t *testing.T) {
	d := Classify(errors.New("request timeout while dialing upstream"))
	if !d.IsRetryable() {
		t.Fatalf("expected message pattern match to be retryable")
	}
}

func TestClassify_DefaultIsRetryable(t *testing.T) {
	d := Classify(errors.New("something unexpected"))
	if !d.IsRetryable() {
		t.Fatalf("expected conservative default to be retryable")
	}
}

func TestClassify_IsPure(t *testing.T) {
	err := &StructuredError{Message: "boom", Code: "ETIMEDOUT"}
	a := Classify(err)
	b := Classify(err)
	if a.Category != b.Category || a.SuggestedDelayMS != b.SuggestedDelayMS {
		t.Fatalf("classify is not pure: %+v vs %+v", a, b)
	}
}

func TestWrap_PreservesCauseFields(t *testing.T) {
	cause := &StructuredError{Message: "inner", Code: "ECONNRESET"}
	wrapped := Wrap("outer failed", cause)

	if wrapped.Code != "ECONNRESET" {
		t.Fatalf("expected code to be preserved from cause, got %q", wrapped.Code)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected wrapped error to unwrap to cause")
	}
}
