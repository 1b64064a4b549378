package notifier

import (
	"time"

	"github.com/rnr-capital/newsfeed-alerts/model"
)

// Decision is the outcome of one wait policy evaluation. Stories is the exact
// set to deliver when Fire is true.
type Decision struct {
	Fire    bool
	Stories []*model.Story
	Reason  string
}

const (
	ReasonNoStories       = "no qualifying undelivered stories"
	ReasonBelowCount      = "below count threshold"
	ReasonCountReached    = "count threshold reached"
	ReasonOutsideSchedule = "outside schedule"
	ReasonEmptySchedule   = "empty schedule"
	ReasonScheduleMatched = "schedule matched"
	ReasonAlreadyFired    = "already fired in this schedule slot"
	ReasonNoPolicy        = "no wait policy"
)

// QualifyingStories keeps the undelivered, non deleted stories scoring at
// least the alert threshold, preserving order.
func QualifyingStories(alert *model.Alert, stories []*model.Story) []*model.Story {
	res := []*model.Story{}
	for _, s := range stories {
		if s == nil || s.Delivered() || s.DeletedAt.Valid {
			continue
		}
		if !alert.Qualifies(*s) {
			continue
		}
		res = append(res, s)
	}
	return res
}

// EvaluateWaitPolicy decides whether alert fires at now. Count policies fire
// once the qualifying stories reach the threshold. Schedule policies fire
// when now falls on a configured weekday and hour in the policy timezone,
// else the owner's timezone, else defaultLoc, at most once per hour slot.
// Either way the decision carries every qualifying undelivered story and an
// empty set never fires.
func EvaluateWaitPolicy(alert *model.Alert, stories []*model.Story, now time.Time, defaultLoc *time.Location) Decision {
	qualifying := QualifyingStories(alert, stories)
	policy := alert.WaitPolicy.Data()

	switch p := policy.Variant.(type) {
	case model.CountPolicy:
		if len(qualifying) == 0 {
			return Decision{Reason: ReasonNoStories}
		}
		// a burst jumping past the threshold still fires
		if len(qualifying) >= p.Count {
			return Decision{Fire: true, Stories: qualifying, Reason: ReasonCountReached}
		}
		return Decision{Reason: ReasonBelowCount}
	case model.SchedulePolicy:
		if len(p.Days) == 0 || len(p.Hours) == 0 {
			return Decision{Reason: ReasonEmptySchedule}
		}
		loc := scheduleLocation(alert, p, defaultLoc)
		local := now.In(loc)
		if !p.Matches(local) {
			return Decision{Reason: ReasonOutsideSchedule}
		}
		if alert.LastFiredAt != nil && sameHourSlot(alert.LastFiredAt.In(loc), local) {
			return Decision{Reason: ReasonAlreadyFired}
		}
		if len(qualifying) == 0 {
			return Decision{Reason: ReasonNoStories}
		}
		return Decision{Fire: true, Stories: qualifying, Reason: ReasonScheduleMatched}
	default:
		return Decision{Reason: ReasonNoPolicy}
	}
}

func scheduleLocation(alert *model.Alert, p model.SchedulePolicy, defaultLoc *time.Location) *time.Location {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	return alert.Owner.Location(defaultLoc)
}

func sameHourSlot(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay() && a.Hour() == b.Hour()
}
