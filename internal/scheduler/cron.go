package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const defaultInterval = time.Minute

type cronConfig struct {
	spec     string
	schedule *cronSchedule
}

// parseSchedule 先按 Go duration 解析，再按五段 cron 解析，都失败时退回每分钟。
func parseSchedule(value string) (time.Duration, cronConfig) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultInterval, cronConfig{}
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d, cronConfig{}
	}
	if schedule, err := parseCronSpec(value); err == nil {
		return 0, cronConfig{spec: value, schedule: schedule}
	}
	return defaultInterval, cronConfig{}
}

// cronField 为 0..63 范围内的取值位图。
type cronField uint64

func (f cronField) has(v int) bool { return f&(1<<uint(v)) != 0 }

type fieldBounds struct {
	name     string
	min, max int
}

var cronLayout = [5]fieldBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// cronSchedule 五个字段需同时命中。
type cronSchedule struct {
	fields [5]cronField
}

func parseCronSpec(spec string) (*cronSchedule, error) {
	parts := strings.Fields(spec)
	if len(parts) != len(cronLayout) {
		return nil, fmt.Errorf("cron spec %q: want %d fields, got %d", spec, len(cronLayout), len(parts))
	}
	var s cronSchedule
	for i, b := range cronLayout {
		f, err := parseCronField(parts[i], b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.name, err)
		}
		s.fields[i] = f
	}
	return &s, nil
}

// parseCronField 支持 *、*/n、a、a-b、a-b/n 及逗号列表。
func parseCronField(expr string, b fieldBounds) (cronField, error) {
	var f cronField
	for _, item := range strings.Split(expr, ",") {
		lo, hi, step, err := parseCronItem(item, b)
		if err != nil {
			return 0, err
		}
		for v := lo; v <= hi; v += step {
			f |= 1 << uint(v)
		}
	}
	if f == 0 {
		return 0, errors.New("no values")
	}
	return f, nil
}

func parseCronItem(item string, b fieldBounds) (lo, hi, step int, err error) {
	rng, stepStr, hasStep := strings.Cut(item, "/")
	step = 1
	if hasStep {
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step in %q", item)
		}
	}

	switch {
	case rng == "*":
		return b.min, b.max, step, nil
	case strings.Contains(rng, "-"):
		from, to, _ := strings.Cut(rng, "-")
		lo, err1 := strconv.Atoi(from)
		hi, err2 := strconv.Atoi(to)
		if err1 != nil || err2 != nil || lo < b.min || hi > b.max || lo > hi {
			return 0, 0, 0, fmt.Errorf("invalid range %q", item)
		}
		return lo, hi, step, nil
	default:
		v, err := strconv.Atoi(rng)
		if err != nil || v < b.min || v > b.max || hasStep {
			return 0, 0, 0, fmt.Errorf("invalid value %q", item)
		}
		return v, v, 1, nil
	}
}

func (c *cronSchedule) matches(t time.Time) bool {
	values := [5]int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), int(t.Weekday())}
	for i, v := range values {
		if !c.fields[i].has(v) {
			return false
		}
	}
	return true
}

// next 返回 after 之后第一个命中的整分钟，最多向前查找一年。
func (c *cronSchedule) next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 0)
	for t.Before(limit) {
		if !c.fields[3].has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.fields[2].has(t.Day()) || !c.fields[4].has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.fields[1].has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if c.fields[0].has(t.Minute()) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time within a year of %s", after.Format(time.RFC3339))
}
