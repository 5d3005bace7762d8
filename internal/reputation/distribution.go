// Package reputation implements the per-token Distribution and the
// sharded Store: complaint counters, query inter-arrival statistics,
// derived status and flood detection.
package reputation

import (
	"math"
	"time"
)

// Status is the derived reputation label.
type Status int

const (
	WHITE Status = iota
	GRAY
	BLACK
	BLOCK
)

func (s Status) String() string {
	switch s {
	case WHITE:
		return "WHITE"
	case GRAY:
		return "GRAY"
	case BLACK:
		return "BLACK"
	case BLOCK:
		return "BLOCK"
	}
	return "WHITE"
}

const weekSeconds = float64(7 * 24 * 60 * 60)

// Distribution is the reputation state for a single token. Complaint
// count is clamped non-negative and never exceeds math.MaxInt32.
type Distribution struct {
	Token string

	Complaints int64

	LastQuery    time.Time
	LastComplaint time.Time

	// interarrival is a running mean of query inter-arrival times, in
	// seconds, standing in for a full inter-arrival sample distribution
	// without carrying a sample buffer.
	interarrival float64
	samples      int64

	status Status
}

const maxComplaints = math.MaxInt32

// AddQuery records a query arrival, updating the rolling inter-arrival
// mean. Must be called with the per-token lock held (see Store).
func (d *Distribution) AddQuery(now time.Time) {
	if !d.LastQuery.IsZero() {
		gap := now.Sub(d.LastQuery).Seconds()
		if gap < 0 {
			gap = 0
		}
		d.samples++
		if d.samples == 1 {
			d.interarrival = gap
		} else {
			// Exponential moving average: recent arrivals matter more for
			// flood detection than the full history.
			const alpha = 0.2
			d.interarrival = alpha*gap + (1-alpha)*d.interarrival
		}
	}
	d.LastQuery = now
}

// AddComplaint increments the complaint counter and returns whether the
// derived Status changed as a result (used by the gossip push trigger).
func (d *Distribution) AddComplaint(now time.Time) (changed bool) {
	before := d.Status()
	if d.Complaints < maxComplaints {
		d.Complaints++
	}
	d.LastComplaint = now
	return d.Status() != before
}

// RemoveComplaint reverses a prior AddComplaint (a ham report cancels a
// spam report). Clamped at zero.
func (d *Distribution) RemoveComplaint() {
	if d.Complaints > 0 {
		d.Complaints--
	}
}

// Clear resets complaint count and frequency but preserves the
// Distribution's existence for a token that keeps being queried.
func (d *Distribution) Clear() {
	d.Complaints = 0
	d.interarrival = 0
	d.samples = 0
	d.LastComplaint = time.Time{}
	d.status = WHITE
}

// estimatedHam approximates the "ham" volume implied by the observed
// query rate: a week's worth of queries at the running-mean (EMA)
// inter-arrival interval. The minimum interval is not tracked.
func (d *Distribution) estimatedHam() float64 {
	if d.interarrival <= 0 {
		return weekSeconds
	}
	return weekSeconds / d.interarrival
}

// p computes the spam probability with a minimum-sample floor:
// capped at 0.25/0.5/0.75 until 3/5/7 complaints are seen,
// so a single stray complaint never immediately condemns a token.
func (d *Distribution) p() float64 {
	if d.Complaints == 0 {
		return 0
	}
	ham := d.estimatedHam()
	raw := float64(d.Complaints) / (float64(d.Complaints) + ham)

	var cap_ float64 = 1
	switch {
	case d.Complaints < 3:
		cap_ = 0.25
	case d.Complaints < 5:
		cap_ = 0.5
	case d.Complaints < 7:
		cap_ = 0.75
	}
	if raw > cap_ {
		return cap_
	}
	return raw
}

// IsIPToken reports whether tok is IP-shaped, used to decide whether the
// top reputation state collapses to BLACK (IP tokens) or BLOCK
// (domain/sender tokens).
func IsIPToken(tok string) bool {
	for _, c := range tok {
		if c != '.' && c != ':' && (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return tok != ""
}

// Status derives (and caches) the reputation status via a hysteresis
// state machine:
//
//	WHITE -> GRAY at p>=0.25 -> BLACK at p>=0.5 -> BLOCK at p>=0.75
//	  (BLOCK collapses to BLACK for IP-shaped tokens)
//	BLACK -> GRAY when p<0.25 (hysteresis: no direct BLACK->WHITE jump)
//	WHITE regained only at p<1/64.
func (d *Distribution) Status() Status {
	p := d.p()
	isIP := IsIPToken(d.Token)

	switch {
	case p >= 0.75:
		if isIP {
			d.status = BLACK
		} else {
			d.status = BLOCK
		}
	case p >= 0.5:
		d.status = BLACK
	case p >= 0.25:
		d.status = GRAY
	case p < 1.0/64.0:
		d.status = WHITE
	default:
		// In the 1/64..0.25 band: hysteresis moves a BLACK/BLOCK token to
		// GRAY (never snaps straight back to WHITE); a GRAY token stays
		// GRAY and a WHITE token stays WHITE.
		if d.status == BLACK || d.status == BLOCK {
			d.status = GRAY
		} else if d.status != WHITE {
			d.status = GRAY
		}
	}
	return d.status
}

// Probability exposes p() for the DNS-list SCORE zone (127.0.1.N where
// N = 100 - 100*p).
func (d *Distribution) Probability() float64 {
	return d.p()
}

// PersistRecord is the gob-serialisable form of a Distribution. A direct
// gob pass over Distribution itself would silently drop interarrival,
// samples and status (unexported), so internal/persist round-trips through
// this type instead.
type PersistRecord struct {
	Token         string
	Complaints    int64
	LastQuery     time.Time
	LastComplaint time.Time
	Interarrival  float64
	Samples       int64
	Status        Status
}

// ToPersist captures d's full state, including the fields Distribution
// keeps unexported to stop callers from mutating them directly.
func (d *Distribution) ToPersist() PersistRecord {
	return PersistRecord{
		Token:         d.Token,
		Complaints:    d.Complaints,
		LastQuery:     d.LastQuery,
		LastComplaint: d.LastComplaint,
		Interarrival:  d.interarrival,
		Samples:       d.samples,
		Status:        d.status,
	}
}

// FromPersist rebuilds a Distribution from a PersistRecord.
func FromPersist(r PersistRecord) *Distribution {
	return &Distribution{
		Token:         r.Token,
		Complaints:    r.Complaints,
		LastQuery:     r.LastQuery,
		LastComplaint: r.LastComplaint,
		interarrival:  r.Interarrival,
		samples:       r.Samples,
		status:        r.Status,
	}
}

// IsFlood reports whether the observed inter-arrival time is below the
// per-class flood threshold.
func (d *Distribution) IsFlood(threshold time.Duration) bool {
	if d.samples == 0 {
		return false
	}
	return d.interarrival < threshold.Seconds()
}
