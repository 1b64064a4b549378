package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type WaitPolicyType string

const (
	WaitPolicyTypeCount    WaitPolicyType = "count"
	WaitPolicyTypeSchedule WaitPolicyType = "schedule"
)

type WaitPolicyVariant interface {
	Type() WaitPolicyType
	Validate() error
}

// CountPolicy fires once the number of qualifying undelivered stories reaches
// Count.
type CountPolicy struct {
	Count int `json:"count"`
}

// SchedulePolicy fires on the listed weekdays at the listed hours. Timezone is
// optional, when empty the alert owner's timezone is used.
type SchedulePolicy struct {
	Days     []string `json:"days"`
	Hours    []int    `json:"hours"`
	Timezone string   `json:"timezone,omitempty"`
}

func (CountPolicy) Type() WaitPolicyType    { return WaitPolicyTypeCount }
func (SchedulePolicy) Type() WaitPolicyType { return WaitPolicyTypeSchedule }

func (p CountPolicy) Validate() error {
	if p.Count < 1 {
		return fmt.Errorf("count policy threshold must be positive, got %d", p.Count)
	}
	return nil
}

func (p SchedulePolicy) Validate() error {
	for _, d := range p.Days {
		if _, ok := ParseWeekday(d); !ok {
			return fmt.Errorf("unknown weekday %q", d)
		}
	}
	for _, h := range p.Hours {
		if h < 0 || h > 23 {
			return fmt.Errorf("hour %d out of range", h)
		}
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", p.Timezone, err)
		}
	}
	return nil
}

// Matches reports whether t, already converted to the policy's timezone, falls
// on a configured weekday and hour.
func (p SchedulePolicy) Matches(t time.Time) bool {
	dayMatched := false
	for _, d := range p.Days {
		if wd, ok := ParseWeekday(d); ok && wd == t.Weekday() {
			dayMatched = true
			break
		}
	}
	if !dayMatched {
		return false
	}
	for _, h := range p.Hours {
		if h == t.Hour() {
			return true
		}
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts full or three letter english weekday names, case
// insensitive.
func ParseWeekday(name string) (time.Weekday, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if wd, ok := weekdays[name]; ok {
		return wd, true
	}
	if len(name) == 3 {
		for full, wd := range weekdays {
			if strings.HasPrefix(full, name) {
				return wd, true
			}
		}
	}
	return time.Sunday, false
}

/*

WaitPolicy is the trigger condition of an Alert, stored as a json object keyed
by "type":

	{"type": "count", "count": 3}
	{"type": "schedule", "days": ["mon", "thu"], "hours": [9, 17], "timezone": "Europe/Berlin"}

*/
type WaitPolicy struct {
	Variant WaitPolicyVariant
}

func NewWaitPolicy(v WaitPolicyVariant) WaitPolicy {
	return WaitPolicy{Variant: v}
}

func (p WaitPolicy) Validate() error {
	if p.Variant == nil {
		return errors.New("wait policy is empty")
	}
	return p.Variant.Validate()
}

func (p WaitPolicy) MarshalJSON() ([]byte, error) {
	if p.Variant == nil {
		return []byte("null"), nil
	}
	return marshalTagged("type", string(p.Variant.Type()), p.Variant)
}

func (p *WaitPolicy) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		p.Variant = nil
		return nil
	}
	var tag struct {
		Type WaitPolicyType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Type {
	case WaitPolicyTypeCount:
		v := CountPolicy{}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p.Variant = v
	case WaitPolicyTypeSchedule:
		v := SchedulePolicy{}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p.Variant = v
	default:
		return fmt.Errorf("unknown wait policy type %q", tag.Type)
	}
	return nil
}
