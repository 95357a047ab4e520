package autoreply

import (
	"fmt"
	"time"
)

// HoursPolicy is the business-hours policy for follow-up replies. First
// contact is always eligible and never consults this policy. The timezone
// comes from the lead profile when set, falling back to the tenant default;
// nothing here is pinned to one timezone.
type HoursPolicy struct {
	Start           string // "15:04"
	End             string // "15:04"
	DefaultTimezone string // IANA name
	AfterHours      string // "restricted" | "always"
}

// Allows reports whether a follow-up reply is eligible at now, for a lead in
// leadTimezone (empty means the tenant default). allowAfterHours is the
// per-lead override for 24/7 contact.
func (p HoursPolicy) Allows(now time.Time, leadTimezone string, allowAfterHours bool) (bool, error) {
	if p.AfterHours == "always" || allowAfterHours {
		return true, nil
	}

	tz := leadTimezone
	if tz == "" {
		tz = p.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, fmt.Errorf("autoreply: hours: bad timezone %q: %w", tz, err)
	}

	start, err := time.Parse("15:04", p.Start)
	if err != nil {
		return false, fmt.Errorf("autoreply: hours: bad start %q: %w", p.Start, err)
	}
	end, err := time.Parse("15:04", p.End)
	if err != nil {
		return false, fmt.Errorf("autoreply: hours: bad end %q: %w", p.End, err)
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin, nil
	}
	// Window crosses midnight, e.g. 20:00-06:00.
	return minutes >= startMin || minutes < endMin, nil
}
