package ledger

import "time"

// TimeRange bounds created_at values. Low is inclusive, High is exclusive;
// either bound is optional.
type TimeRange struct {
	Low  *time.Time
	High *time.Time
}

// Between builds a range covering [from, to).
func Between(from, to time.Time) TimeRange {
	return TimeRange{Low: &from, High: &to}
}

// From returns the lower bound following the "comma ok" idiom.
func (r TimeRange) From() (time.Time, bool) {
	if r.Low != nil {
		return *r.Low, true
	}
	return time.Time{}, false
}

// To returns the upper bound following the "comma ok" idiom.
func (r TimeRange) To() (time.Time, bool) {
	if r.High != nil {
		return *r.High, true
	}
	return time.Time{}, false
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if low, ok := r.From(); ok && t.Before(low) {
		return false
	}
	if high, ok := r.To(); ok && !t.Before(high) {
		return false
	}
	return true
}

// ListOptions filters a Transfers query.
type ListOptions struct {
	// matches records where the account is sender or receiver
	AccountID string
	// matches records sent by this account
	SenderID string
	Status   *Status
	Created  *TimeRange
	// zero means no limit
	Limit int
}

func NewListOptions() *ListOptions {
	return &ListOptions{}
}

func (o *ListOptions) SetAccount(id string) *ListOptions {
	o.AccountID = id
	return o
}

func (o *ListOptions) SetSender(id string) *ListOptions {
	o.SenderID = id
	return o
}

func (o *ListOptions) SetStatus(s Status) *ListOptions {
	o.Status = &s
	return o
}

func (o *ListOptions) SetTimeRange(r TimeRange) *ListOptions {
	o.Created = &r
	return o
}

func (o *ListOptions) SetLimit(n int) *ListOptions {
	o.Limit = n
	return o
}

func (o *ListOptions) matches(t Transfer) bool {
	if o == nil {
		return true
	}
	if o.AccountID != "" && t.SenderID != o.AccountID && t.ReceiverID != o.AccountID {
		return false
	}
	if o.SenderID != "" && t.SenderID != o.SenderID {
		return false
	}
	if o.Status != nil && t.Status != *o.Status {
		return false
	}
	if o.Created != nil && !o.Created.Contains(t.CreatedAt) {
		return false
	}
	return true
}
