package kernelz

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKernelError(t *testing.T) {
	t.Run("Error Message Formatting", func(t *testing.T) {
		baseErr := errors.New("something went wrong")

		t.Run("With cause", func(t *testing.T) {
			err := &KernelError{
				Op:        "Mutex.Lock",
				Kind:      NotPermitted,
				Err:       baseErr,
				Timestamp: time.Now(),
			}
			msg := err.Error()
			want := "Mutex.Lock: not_permitted: something went wrong"
			if msg != want {
				t.Errorf("Error() = %q, want %q", msg, want)
			}
		})

		t.Run("Without cause", func(t *testing.T) {
			err := &KernelError{Op: "Queue.Pop", Kind: Timeout, Timestamp: time.Now()}
			msg := err.Error()
			want := "Queue.Pop: timeout"
			if msg != want {
				t.Errorf("Error() = %q, want %q", msg, want)
			}
		})

		t.Run("Nil receiver", func(t *testing.T) {
			var err *KernelError
			if err.Error() != "<nil>" {
				t.Errorf("nil KernelError.Error() = %q, want <nil>", err.Error())
			}
			if err.Unwrap() != nil {
				t.Error("nil KernelError.Unwrap() should return nil")
			}
		})
	})

	t.Run("Unwrap and errors.Is with cause", func(t *testing.T) {
		baseErr := errors.New("base error")
		kerr := &KernelError{Op: "TaskCreate", Kind: ResourceExhausted, Err: baseErr}

		if kerr.Unwrap() != baseErr {
			t.Errorf("Unwrap() should return base error")
		}
		if !errors.Is(kerr, baseErr) {
			t.Errorf("errors.Is should unwrap to base error")
		}
	})

	t.Run("Is compares Kind against sentinels", func(t *testing.T) {
		kerr := &KernelError{Op: "Semaphore.Wait", Kind: Timeout}
		if !errors.Is(kerr, ErrTimeout) {
			t.Errorf("expected errors.Is(kerr, ErrTimeout) to hold for a Timeout-kind error")
		}
		if errors.Is(kerr, ErrCorruption) {
			t.Errorf("did not expect errors.Is(kerr, ErrCorruption) to hold for a Timeout-kind error")
		}
	})

	t.Run("ErrorKind String", func(t *testing.T) {
		tests := []struct {
			kind ErrorKind
			want string
		}{
			{InvalidArgument, "invalid_argument"},
			{ResourceExhausted, "resource_exhausted"},
			{NotPermitted, "not_permitted"},
			{Timeout, "timeout"},
			{Corruption, "corruption"},
			{ErrorKind(99), "unknown"},
		}
		for _, tt := range tests {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("ErrorKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
			}
		}
	})
}

func TestErrIsCanceled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"context canceled", context.Canceled, true},
		{"wrapped context canceled", fmt.Errorf("wrap: %w", context.Canceled), true},
		{"deadline exceeded is not canceled", context.DeadlineExceeded, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errIsCanceled(tt.err); got != tt.want {
				t.Errorf("errIsCanceled(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRecoverTaskPanic(t *testing.T) {
	var reason string
	k := &Kernel{platform: panicCapturePlatform{capture: &reason}}

	func() {
		defer recoverTaskPanic(k, TaskID(3))
		panic("boom")
	}()

	want := "task 3 panicked: boom"
	if reason != want {
		t.Errorf("recoverTaskPanic routed reason = %q, want %q", reason, want)
	}
}

// panicCapturePlatform is a minimal Platform used only to observe what
// recoverTaskPanic reports to Platform.Panic.
type panicCapturePlatform struct {
	capture *string
}

func (p panicCapturePlatform) CPUIdle()            {}
func (p panicCapturePlatform) Panic(reason string) { *p.capture = reason }
