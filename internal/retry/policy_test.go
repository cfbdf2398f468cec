package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBackoffSequence(t *testing.T) {
	p := Default()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		32 * time.Second,
		32 * time.Second,
	}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoffDoesNotOverflow(t *testing.T) {
	p := Default()
	for _, attempt := range []int{40, 63, 64, 1 << 20} {
		if got := p.Backoff(attempt); got != p.MaxDelay {
			t.Errorf("Backoff(%d) = %v, want cap %v", attempt, got, p.MaxDelay)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Default()
	for attempt := 0; attempt < 8; attempt++ {
		base := p.Backoff(attempt)
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		for i := 0; i < 200; i++ {
			d := p.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestShouldRetry(t *testing.T) {
	p := Default()
	tests := []struct {
		attempt int
		kind    Kind
		want    bool
	}{
		{0, KindTransient, true},
		{4, KindTransient, true},
		{5, KindTransient, false}, // cap reached
		{0, KindPermanent, false}, // never retried
		{0, KindUnknown, true},    // conservative: retry unknowns
		{5, KindUnknown, false},
	}
	for _, tt := range tests {
		if got := p.ShouldRetry(tt.attempt, tt.kind); got != tt.want {
			t.Errorf("ShouldRetry(%d, %v) = %v, want %v", tt.attempt, tt.kind, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"offline sentinel", ErrOffline, KindTransient},
		{"wrapped offline", fmt.Errorf("send: %w", ErrOffline), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"net timeout", &net.DNSError{IsTimeout: true}, KindTransient},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), KindTransient},
		{"grpc rate limited", status.Error(codes.ResourceExhausted, "slow down"), KindTransient},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "no creds"), KindPermanent},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "bad payload"), KindPermanent},
		{"grpc permission denied", status.Error(codes.PermissionDenied, "nope"), KindPermanent},
		{"grpc not found", status.Error(codes.NotFound, "gone"), KindUnknown},
		{"plain error", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
