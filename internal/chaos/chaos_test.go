package chaos

import (
	"testing"
	"time"
)

func TestNextDelayBounds(t *testing.T) {
	tests := []struct {
		name     string
		minS     int
		maxS     int
		wantMin  time.Duration
		wantMax  time.Duration
	}{
		{"fixed", 5, 5, 5 * time.Second, 5 * time.Second},
		{"maxBelowMin", 10, 3, 10 * time.Second, 10 * time.Second},
		{"range", 1, 4, 1 * time.Second, 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := New("dev-1", Config{Enabled: true, MinS: tt.minS, MaxS: tt.maxS})
			for i := 0; i < 20; i++ {
				d := inj.nextDelay()
				if d < tt.wantMin || d > tt.wantMax {
					t.Fatalf("nextDelay() = %v, want in [%v, %v]", d, tt.wantMin, tt.wantMax)
				}
			}
		})
	}
}

func TestStartDisabledNeverFires(t *testing.T) {
	fired := make(chan struct{}, 1)
	orig := ExitFunc
	ExitFunc = func(int) { fired <- struct{}{} }
	defer func() { ExitFunc = orig }()

	inj := New("dev-1", Config{Enabled: false, MinS: 0, MaxS: 0})
	inj.Start()

	select {
	case <-fired:
		t.Fatal("disabled injector fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartEnabledFiresExitFunc(t *testing.T) {
	fired := make(chan struct{}, 1)
	orig := ExitFunc
	ExitFunc = func(int) { fired <- struct{}{} }
	defer func() { ExitFunc = orig }()

	inj := New("dev-1", Config{Enabled: true, MinS: 0, MaxS: 0})
	inj.Start()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("enabled injector with zero delay did not fire")
	}
}

func TestStopDisarmsTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	orig := ExitFunc
	ExitFunc = func(int) { fired <- struct{}{} }
	defer func() { ExitFunc = orig }()

	inj := New("dev-1", Config{Enabled: true, MinS: 5, MaxS: 5})
	inj.Start()
	inj.Stop()

	select {
	case <-fired:
		t.Fatal("stopped injector fired")
	case <-time.After(50 * time.Millisecond):
	}
}
