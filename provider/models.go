package provider

import "time"

// Profile captures the subset of nurse account data exposed via the public
// directory: enough for a patient to choose among bidders, nothing more.
type Profile struct {
	ID        string
	FullName  string
	Rating    float64
	Verified  bool
	CreatedAt time.Time
}
