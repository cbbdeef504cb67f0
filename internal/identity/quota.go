package identity

import (
	"encoding/json"
	"fmt"
)

// Quota is a daily allowance that is either a finite limit or unlimited. On
// the JSON edge unlimited serializes as -1; internally the distinction is a
// tag, never a sentinel number.
type Quota struct {
	unlimited bool
	n         int
}

// Unlimited returns the unbounded quota.
func Unlimited() Quota { return Quota{unlimited: true} }

// Limit returns a finite quota of n calls. Negative n is clamped to zero.
func Limit(n int) Quota {
	if n < 0 {
		n = 0
	}
	return Quota{n: n}
}

// IsUnlimited reports whether the quota has no cap.
func (q Quota) IsUnlimited() bool { return q.unlimited }

// Max returns the cap, valid only when !IsUnlimited.
func (q Quota) Max() int { return q.n }

// Allows reports whether one more call is admitted given used calls so far.
func (q Quota) Allows(used int) bool {
	return q.unlimited || used < q.n
}

// Remaining returns the calls left, or -1 for unlimited.
func (q Quota) Remaining(used int) int {
	if q.unlimited {
		return -1
	}
	if used >= q.n {
		return 0
	}
	return q.n - used
}

func (q Quota) String() string {
	if q.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d/day", q.n)
}

func (q Quota) MarshalJSON() ([]byte, error) {
	if q.unlimited {
		return []byte("-1"), nil
	}
	return json.Marshal(q.n)
}

func (q *Quota) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n < 0 {
		*q = Unlimited()
		return nil
	}
	*q = Limit(n)
	return nil
}
