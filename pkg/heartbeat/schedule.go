package heartbeat

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule is either a fixed interval ("every") or a cron expression ("cron").
type Schedule struct {
	Kind  string
	Every time.Duration
	Expr  string
}

// Every returns a fixed interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: "every", Every: d}
}

// Cron returns a schedule driven by a cron expression.
func Cron(expr string) Schedule {
	return Schedule{Kind: "cron", Expr: strings.TrimSpace(expr)}
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case "every":
		if s.Every <= 0 {
			return fmt.Errorf("interval must be positive, got %s", s.Every)
		}
	case "cron":
		if s.Expr == "" || !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the first tick strictly after from.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	switch s.Kind {
	case "every":
		if s.Every <= 0 {
			return time.Time{}, fmt.Errorf("interval must be positive")
		}
		return from.Add(s.Every), nil
	case "cron":
		return gronx.NextTickAfter(s.Expr, from, false)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

func (s Schedule) String() string {
	if s.Kind == "cron" {
		return "cron(" + s.Expr + ")"
	}
	return "every(" + s.Every.String() + ")"
}
