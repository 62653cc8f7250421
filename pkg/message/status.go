package message

import "fmt"

// Status is the delivery state of a message. The zero value means the
// sender of an update didn't say.
type Status string

const (
	StatusUnknown   Status = ""
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Rank places a status on the forward ordering. Failed and unknown rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

func (s Status) Valid() bool {
	return s.Rank() > 0 || s == StatusFailed
}

// Advances reports whether moving from s to next is a forward transition.
// Failed is only reachable from sending, and a failed message may move
// forward again once the server confirms it.
func (s Status) Advances(next Status) bool {
	switch {
	case next == StatusFailed:
		return s == StatusSending
	case s == StatusFailed:
		return next.Rank() > 0
	default:
		return next.Rank() > s.Rank()
	}
}

// Max returns the more advanced of two statuses, ignoring failed.
func Max(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func (s *Status) UnmarshalText(text []byte) error {
	st := Status(text)
	if st != StatusUnknown && !st.Valid() {
		return fmt.Errorf("unknown message status %q", text)
	}
	*s = st
	return nil
}
