package retry

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the error taxonomy driving retry decisions.
type Kind int

const (
	// KindUnknown covers uncategorized errors; treated like transient up
	// to the retry cap.
	KindUnknown Kind = iota
	// KindTransient covers offline, unreachable, unavailable, timeout and
	// rate-limit errors. Always retried within the policy.
	KindTransient
	// KindPermanent covers auth and validation failures. Never retried;
	// the message fails immediately with a user-visible retry affordance.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Sentinel errors produced inside the engine.
var (
	// ErrOffline is returned when a send is attempted with no connectivity.
	ErrOffline = errors.New("network offline")
)

// Classify maps an error onto the taxonomy. Remote store errors carry gRPC
// status codes; local failures show up as net or context errors.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrOffline) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.OK {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return KindTransient
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument,
			codes.FailedPrecondition, codes.OutOfRange:
			return KindPermanent
		default:
			return KindUnknown
		}
	}
	return KindUnknown
}
