package sched

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/robfig/cron/v3"

	"github.com/mrsm-io/mrsm/internal/meta"
)

// maxScheduleProbe bounds the candidate fires examined per Next call, so
// a conjunction whose terms never agree returns zero instead of spinning.
const maxScheduleProbe = 10000

// Schedule is a parsed schedule expression. The grammar:
//
//	schedule := or-expr [ "starting" datetime ]
//	or-expr  := and-expr { ("or" | "|") and-expr }
//	and-expr := term { ("and" | "&") term }
//	term     := "every" N unit | alias | cron-5-field | dow[-dow] | month[-month]
//
// Intervals anchor at the starting instant and fire there first. In a
// conjunction the term with the finest grain generates candidate fires
// and the remaining terms filter them; a conjunction of pure filters
// (weekday or month terms) generates daily. Disjunction fires at the
// earliest branch.
type Schedule struct {
	text  string
	start time.Time
	root  *orNode
}

// Parse builds a Schedule from text. now anchors intervals and resolves
// relative "starting" expressions when the string carries none.
func Parse(text string, now time.Time) (*Schedule, error) {
	raw := strings.Fields(text)
	if len(raw) == 0 {
		return nil, meta.Errorf(meta.KindConfig, "parse schedule", "empty schedule")
	}
	lower := make([]string, len(raw))
	for i, f := range raw {
		lower[i] = strings.ToLower(f)
	}

	// The starting clause keeps its original case: RFC3339 timestamps
	// are case-sensitive.
	anchor := now
	expr := lower
	for i, tok := range lower {
		if tok != "starting" {
			continue
		}
		if i == len(lower)-1 {
			return nil, meta.Errorf(meta.KindConfig, "parse schedule", "starting clause is empty")
		}
		start, err := parseStart(strings.Join(raw[i+1:], " "), now)
		if err != nil {
			return nil, err
		}
		anchor = start
		expr = lower[:i]
		break
	}
	if len(expr) == 0 {
		return nil, meta.Errorf(meta.KindConfig, "parse schedule", "schedule has no terms")
	}

	p := &scheduleParser{tokens: expr, anchor: anchor}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, meta.Errorf(meta.KindConfig, "parse schedule",
			"unexpected token %q", p.tokens[p.pos])
	}
	return &Schedule{text: text, start: anchor, root: root}, nil
}

// Start returns the anchor instant.
func (s *Schedule) Start() time.Time { return s.start }

func (s *Schedule) String() string { return s.text }

// Next returns the first fire strictly after t, or the zero time when the
// schedule never fires again.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.root.next(t)
}

// parseStart resolves the starting clause: RFC3339, a date or datetime,
// or a natural-language expression relative to now.
func parseStart(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, meta.E(meta.KindConfig, "parse schedule", err)
	}
	if r == nil {
		return time.Time{}, meta.Errorf(meta.KindConfig, "parse schedule",
			"unrecognized starting time %q", s)
	}
	return r.Time, nil
}

type scheduleParser struct {
	tokens []string
	pos    int
	anchor time.Time
}

func (p *scheduleParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *scheduleParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *scheduleParser) parseOr() (*orNode, error) {
	branch, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	node := &orNode{branches: []*andNode{branch}}
	for p.peek() == "or" || p.peek() == "|" {
		p.next()
		branch, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		node.branches = append(node.branches, branch)
	}
	return node, nil
}

func (p *scheduleParser) parseAnd() (*andNode, error) {
	term, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	node := &andNode{terms: []schedTerm{term}}
	for p.peek() == "and" || p.peek() == "&" {
		p.next()
		term, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		node.terms = append(node.terms, term)
	}
	node.elect(p.anchor)
	return node, nil
}

func (p *scheduleParser) parseTerm() (schedTerm, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, meta.Errorf(meta.KindConfig, "parse schedule", "expected a schedule term")
	case tok == "every":
		p.next()
		return p.parseInterval()
	case aliasUnits[tok] != "":
		p.next()
		return newInterval(1, aliasUnits[tok], p.anchor), nil
	case isDowToken(tok):
		p.next()
		return parseDow(tok)
	case isMonthToken(tok):
		p.next()
		return parseMonth(tok)
	case isCronField(tok):
		return p.parseCron()
	default:
		return nil, meta.Errorf(meta.KindConfig, "parse schedule", "unexpected token %q", tok)
	}
}

func (p *scheduleParser) parseInterval() (schedTerm, error) {
	n, err := strconv.Atoi(p.peek())
	if err != nil || n < 1 {
		return nil, meta.Errorf(meta.KindConfig, "parse schedule",
			"expected a count after \"every\", got %q", p.peek())
	}
	p.next()
	unit, ok := intervalUnits[p.peek()]
	if !ok {
		return nil, meta.Errorf(meta.KindConfig, "parse schedule",
			"unknown interval unit %q", p.peek())
	}
	p.next()
	return newInterval(n, unit, p.anchor), nil
}

func (p *scheduleParser) parseCron() (schedTerm, error) {
	if len(p.tokens)-p.pos < 5 {
		return nil, meta.Errorf(meta.KindConfig, "parse schedule",
			"cron term needs 5 fields, got %q", strings.Join(p.tokens[p.pos:], " "))
	}
	spec := strings.Join(p.tokens[p.pos:p.pos+5], " ")
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, meta.E(meta.KindConfig, "parse schedule", err)
	}
	p.pos += 5
	return &cronTerm{sched: sched, anchor: p.anchor}, nil
}

// schedTerm is one clause of a conjunction. Generators produce candidate
// fires through next; filters only answer matches and report a zero
// grain.
type schedTerm interface {
	// next returns the first fire strictly after t, or zero for a pure
	// filter term.
	next(t time.Time) time.Time
	// matches reports whether the term accepts the instant.
	matches(t time.Time) bool
	// grain orders generators for election; zero marks a filter.
	grain() time.Duration
}

type orNode struct {
	branches []*andNode
}

func (o *orNode) next(t time.Time) time.Time {
	var best time.Time
	for _, b := range o.branches {
		n := b.next(t)
		if n.IsZero() {
			continue
		}
		if best.IsZero() || n.Before(best) {
			best = n
		}
	}
	return best
}

type andNode struct {
	terms []schedTerm
	gen   schedTerm
}

// elect picks the finest-grained generator. A conjunction of pure
// filters gains a daily generator so weekday and month terms fire on
// their own.
func (a *andNode) elect(anchor time.Time) {
	for _, t := range a.terms {
		g := t.grain()
		if g == 0 {
			continue
		}
		if a.gen == nil || g < a.gen.grain() {
			a.gen = t
		}
	}
	if a.gen == nil {
		a.gen = newInterval(1, unitDay, anchor)
	}
}

func (a *andNode) next(t time.Time) time.Time {
	for i := 0; i < maxScheduleProbe; i++ {
		t = a.gen.next(t)
		if t.IsZero() {
			return t
		}
		if a.accepts(t) {
			return t
		}
	}
	return time.Time{}
}

func (a *andNode) accepts(t time.Time) bool {
	for _, term := range a.terms {
		if term == a.gen {
			continue
		}
		if !term.matches(t) {
			return false
		}
	}
	return true
}

const (
	unitSecond = "second"
	unitMinute = "minute"
	unitHour   = "hour"
	unitDay    = "day"
	unitWeek   = "week"
	unitMonth  = "month"
)

var intervalUnits = map[string]string{
	"second": unitSecond, "seconds": unitSecond, "sec": unitSecond, "secs": unitSecond,
	"minute": unitMinute, "minutes": unitMinute, "min": unitMinute, "mins": unitMinute,
	"hour": unitHour, "hours": unitHour, "hr": unitHour, "hrs": unitHour,
	"day": unitDay, "days": unitDay,
	"week": unitWeek, "weeks": unitWeek,
	"month": unitMonth, "months": unitMonth,
}

var aliasUnits = map[string]string{
	"secondly": unitSecond,
	"minutely": unitMinute,
	"hourly":   unitHour,
	"daily":    unitDay,
	"weekly":   unitWeek,
	"monthly":  unitMonth,
}

// intervalTerm fires every n units from the anchor, anchor included.
type intervalTerm struct {
	n      int
	unit   string
	step   time.Duration
	anchor time.Time
}

func newInterval(n int, unit string, anchor time.Time) *intervalTerm {
	it := &intervalTerm{n: n, unit: unit, anchor: anchor}
	switch unit {
	case unitSecond:
		it.step = time.Duration(n) * time.Second
	case unitMinute:
		it.step = time.Duration(n) * time.Minute
	case unitHour:
		it.step = time.Duration(n) * time.Hour
	case unitDay:
		it.step = time.Duration(n) * 24 * time.Hour
	case unitWeek:
		it.step = time.Duration(n) * 7 * 24 * time.Hour
	case unitMonth:
		// Calendar stepping; step stays zero and next walks by AddDate.
	}
	return it
}

func (it *intervalTerm) grain() time.Duration {
	if it.step > 0 {
		return it.step
	}
	return time.Duration(it.n) * 30 * 24 * time.Hour
}

func (it *intervalTerm) next(t time.Time) time.Time {
	if t.Before(it.anchor) {
		return it.anchor
	}
	if it.step > 0 {
		k := t.Sub(it.anchor)/it.step + 1
		return it.anchor.Add(k * it.step)
	}
	fire := it.anchor
	for !fire.After(t) {
		fire = fire.AddDate(0, it.n, 0)
	}
	return fire
}

// matches accepts aligned instants. Day-grained and coarser intervals
// compare calendar positions, so they filter another generator's fires
// regardless of time of day.
func (it *intervalTerm) matches(t time.Time) bool {
	switch it.unit {
	case unitDay:
		return modAligned(daysBetween(it.anchor, t), it.n)
	case unitWeek:
		return modAligned(daysBetween(it.anchor, t), 7*it.n)
	case unitMonth:
		months := (t.Year()-it.anchor.Year())*12 + int(t.Month()-it.anchor.Month())
		return modAligned(months, it.n)
	default:
		d := t.Sub(it.anchor)
		return d >= 0 && d%it.step == 0
	}
}

func modAligned(d, n int) bool { return d >= 0 && d%n == 0 }

// daysBetween counts calendar days from a's date to t's date in a's
// location. Rounding absorbs DST-shortened days.
func daysBetween(a, t time.Time) int {
	a = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, a.Location())
	t = t.In(a.Location())
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, a.Location())
	return int(math.Round(t.Sub(a).Hours() / 24))
}

// cronTerm wraps a 5-field cron expression.
type cronTerm struct {
	sched  cron.Schedule
	anchor time.Time
}

func (ct *cronTerm) next(t time.Time) time.Time { return ct.sched.Next(t) }

// matches accepts instants on a minute the expression activates.
func (ct *cronTerm) matches(t time.Time) bool {
	m := t.Truncate(time.Minute)
	return ct.sched.Next(m.Add(-time.Second)).Equal(m)
}

// grain measures the gap between the first two fires after the anchor.
func (ct *cronTerm) grain() time.Duration {
	a := ct.sched.Next(ct.anchor)
	b := ct.sched.Next(a)
	if g := b.Sub(a); g > 0 {
		return g
	}
	return time.Minute
}

var dowNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

func isDowToken(tok string) bool {
	lo, _, _ := strings.Cut(tok, "-")
	_, ok := dowNames[lo]
	return ok
}

func isMonthToken(tok string) bool {
	lo, _, _ := strings.Cut(tok, "-")
	_, ok := monthNames[lo]
	return ok
}

// isCronField reports whether the token could open a 5-field cron
// expression. Word-shaped terms are ruled out first, so only numbers and
// cron punctuation remain.
func isCronField(tok string) bool {
	for _, r := range tok {
		if r != '*' && r != '/' && r != ',' && r != '-' && (r < '0' || r > '9') {
			return false
		}
	}
	return tok != ""
}

// dowTerm filters fires to a weekday set, wrapping ranges like fri-mon.
type dowTerm struct {
	days [7]bool
}

func parseDow(tok string) (schedTerm, error) {
	lo, hi, ranged := strings.Cut(tok, "-")
	from, ok := dowNames[lo]
	if !ok {
		return nil, meta.Errorf(meta.KindConfig, "parse schedule", "unknown weekday %q", lo)
	}
	to := from
	if ranged {
		to, ok = dowNames[hi]
		if !ok {
			return nil, meta.Errorf(meta.KindConfig, "parse schedule", "unknown weekday %q", hi)
		}
	}
	term := &dowTerm{}
	for d := from; ; d = (d + 1) % 7 {
		term.days[d] = true
		if d == to {
			break
		}
	}
	return term, nil
}

func (dt *dowTerm) next(time.Time) time.Time { return time.Time{} }
func (dt *dowTerm) grain() time.Duration     { return 0 }
func (dt *dowTerm) matches(t time.Time) bool { return dt.days[t.Weekday()] }

// monthTerm filters fires to a month set.
type monthTerm struct {
	months [13]bool
}

func parseMonth(tok string) (schedTerm, error) {
	lo, hi, ranged := strings.Cut(tok, "-")
	from, ok := monthNames[lo]
	if !ok {
		return nil, meta.Errorf(meta.KindConfig, "parse schedule", "unknown month %q", lo)
	}
	to := from
	if ranged {
		to, ok = monthNames[hi]
		if !ok {
			return nil, meta.Errorf(meta.KindConfig, "parse schedule", "unknown month %q", hi)
		}
	}
	term := &monthTerm{}
	for m := from; ; m = m%12 + 1 {
		term.months[m] = true
		if m == to {
			break
		}
	}
	return term, nil
}

func (mt *monthTerm) next(time.Time) time.Time { return time.Time{} }
func (mt *monthTerm) grain() time.Duration     { return 0 }
func (mt *monthTerm) matches(t time.Time) bool { return mt.months[t.Month()] }
