package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval is an ISO-8601 duration such as "PT10S", "P1D" or "P1M2DT3H".
// The date part is applied with calendar arithmetic, the time part as an
// exact duration.
type Interval struct {
	Years, Months, Days int
	Clock               time.Duration
	raw                 string
}

// ParseInterval parses the PnYnMnWnDTnHnMnS form. Fractions are accepted on
// the smallest time unit only. Zero and negative intervals are rejected.
func ParseInterval(raw string) (Interval, error) {
	in := Interval{raw: raw}
	s := strings.ToUpper(strings.TrimSpace(raw))
	if len(s) < 2 || s[0] != 'P' {
		return in, invalidInterval(raw)
	}
	s = s[1:]

	inTime := false
	seen := false
	for len(s) > 0 {
		if s[0] == 'T' {
			if inTime {
				return in, invalidInterval(raw)
			}
			inTime = true
			s = s[1:]
			if s == "" {
				return in, invalidInterval(raw)
			}
			continue
		}

		i := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.' || s[i] == ',') {
			i++
		}
		if i == 0 || i == len(s) {
			return in, invalidInterval(raw)
		}
		num, err := strconv.ParseFloat(strings.ReplaceAll(s[:i], ",", "."), 64)
		if err != nil {
			return in, invalidInterval(raw)
		}
		unit := s[i]
		s = s[i+1:]
		whole := num == float64(int(num))

		switch {
		case !inTime && unit == 'Y' && whole:
			in.Years += int(num)
		case !inTime && unit == 'M' && whole:
			in.Months += int(num)
		case !inTime && unit == 'W' && whole:
			in.Days += 7 * int(num)
		case !inTime && unit == 'D' && whole:
			in.Days += int(num)
		case inTime && unit == 'H':
			in.Clock += time.Duration(num * float64(time.Hour))
		case inTime && unit == 'M':
			in.Clock += time.Duration(num * float64(time.Minute))
		case inTime && unit == 'S':
			in.Clock += time.Duration(num * float64(time.Second))
		default:
			return in, invalidInterval(raw)
		}
		seen = true
	}

	if !seen || in.IsZero() {
		return in, invalidInterval(raw)
	}
	return in, nil
}

func invalidInterval(raw string) error {
	return &ValidationError{Field: "interval", Reason: fmt.Sprintf("invalid ISO-8601 duration %q", raw)}
}

func (in Interval) IsZero() bool {
	return in.Years == 0 && in.Months == 0 && in.Days == 0 && in.Clock <= 0
}

// AddTo returns t advanced by one interval.
func (in Interval) AddTo(t time.Time) time.Time {
	return t.AddDate(in.Years, in.Months, in.Days).Add(in.Clock)
}

// Next returns the first occurrence strictly after now, starting from now.
func (in Interval) Next(now time.Time) time.Time {
	next := in.AddTo(now)
	for !next.After(now) {
		next = in.AddTo(next)
	}
	return next
}

func (in Interval) String() string { return in.raw }
