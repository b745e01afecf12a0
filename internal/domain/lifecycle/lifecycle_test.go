package lifecycle

import (
	"errors"
	"testing"
)

var allStatuses = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusInProgress}:   true,
		{StatusInProgress, StatusCompleted}: true,
		{StatusInProgress, StatusFailed}:    true,
		{StatusInProgress, StatusBlocked}:   true,
		{StatusInProgress, StatusPending}:   true,
		{StatusBlocked, StatusPending}:      true,
		{StatusFailed, StatusPending}:       true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, хотели %v", from, to, got, want)
			}
		}
	}
}

// TestCompletedIsTerminal: из completed нет ни одного перехода.
func TestCompletedIsTerminal(t *testing.T) {
	for _, to := range allStatuses {
		if err := Check(StatusCompleted, to, 0, 3); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Check(completed, %s) = %v, хотели ErrInvalidTransition", to, err)
		}
	}
	if !IsTerminal(StatusCompleted, 0, 3) {
		t.Error("completed не конечное состояние")
	}
}

func TestCheck_RetryBound(t *testing.T) {
	tests := []struct {
		name        string
		attempts    int
		maxAttempts int
		wantErr     error
	}{
		{"первая неудача", 1, 3, nil},
		{"предпоследняя попытка", 2, 3, nil},
		{"попытки исчерпаны", 3, 3, ErrRetriesExhausted},
		{"превышение", 5, 3, ErrRetriesExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(StatusFailed, StatusPending, tt.attempts, tt.maxAttempts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Check() = %v, хотели %v", err, tt.wantErr)
			}
			terminal := IsTerminal(StatusFailed, tt.attempts, tt.maxAttempts)
			if terminal != (tt.wantErr != nil) {
				t.Errorf("IsTerminal() = %v при attempts=%d", terminal, tt.attempts)
			}
		})
	}
}

func TestParse(t *testing.T) {
	if s, ok := ParseStatus("blocked"); !ok || s != StatusBlocked {
		t.Errorf("ParseStatus(blocked) = %q, %v", s, ok)
	}
	if _, ok := ParseStatus("done"); ok {
		t.Error("ParseStatus(done) = true")
	}
	if o, ok := ParseOutcome("failed"); !ok || o.Status() != StatusFailed {
		t.Errorf("ParseOutcome(failed) = %q, %v", o, ok)
	}
	if _, ok := ParseOutcome("pending"); ok {
		t.Error("ParseOutcome(pending) = true")
	}
}
