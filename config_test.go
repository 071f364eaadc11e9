package syncguard

import "testing"

func TestDefaultAcquireOptionsValid(t *testing.T) {
	o := DefaultAcquireOptions()
	if err := o.Validate(); err != nil {
		t.Fatalf("DefaultAcquireOptions() failed Validate(): %v", err)
	}
	if o.MaxRetries != 10 {
		t.Fatalf("MaxRetries = %d, want 10", o.MaxRetries)
	}
	if o.Timeout <= 0 {
		t.Fatalf("Timeout must be positive")
	}
}

func TestAcquireOptionsValidateRejectsBadFields(t *testing.T) {
	cases := []AcquireOptions{
		{MaxRetries: -1, RetryDelay: 1, Timeout: 1},
		{MaxRetries: 0, RetryDelay: 0, Timeout: 1},
		{MaxRetries: 0, RetryDelay: 1, Timeout: 0},
	}
	for i, o := range cases {
		if err := o.Validate(); err == nil {
			t.Errorf("case %d: expected Validate() error for %+v", i, o)
		}
	}
}

func TestDefaultOnReleaseErrorDoesNotPanic(t *testing.T) {
	hook := defaultOnReleaseError(nil)
	hook(newPlainError("boom"), ReleaseErrorInfo{LockID: "x", Key: "y", Source: SourceDisposal})
}
