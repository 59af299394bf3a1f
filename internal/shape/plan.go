package shape

import (
	"math"
	"time"
)

type PatternType string

const (
	PatternRamp  PatternType = "ramp"
	PatternStep  PatternType = "step"
	PatternSpike PatternType = "spike"
)

// Pattern describes one phase of a user plan.
type Pattern struct {
	Name      string        `yaml:"name"`
	Type      PatternType   `yaml:"type"`
	FromUsers int           `yaml:"from_users"`
	ToUsers   int           `yaml:"to_users"`
	Users     int           `yaml:"users"`
	Duration  time.Duration `yaml:"duration"`
	Steps     []Step        `yaml:"steps"`
	SpawnRate float64       `yaml:"spawn_rate"`
}

type Step struct {
	Users    int           `yaml:"users"`
	Duration time.Duration `yaml:"duration"`
}

// Plan is a sequence of ramp, step and spike phases compiled into time
// segments. Ramps interpolate the user count linearly.
type Plan struct {
	Timer
	segments []segment
	duration time.Duration
	maxUsers int
}

type segment struct {
	start     time.Duration
	duration  time.Duration
	fromUsers int
	toUsers   int
	spawnRate float64
}

// CompilePlan returns nil when patterns contain no usable phase.
func CompilePlan(patterns []Pattern) *Plan {
	if len(patterns) == 0 {
		return nil
	}

	plan := &Plan{}
	var offset time.Duration
	for _, p := range patterns {
		switch p.Type {
		case PatternRamp:
			if p.Duration <= 0 {
				continue
			}
			rate := p.SpawnRate
			if rate <= 0 {
				rate = rampRate(p.FromUsers, p.ToUsers, p.Duration)
			}
			plan.appendSegment(segment{
				start:     offset,
				duration:  p.Duration,
				fromUsers: p.FromUsers,
				toUsers:   p.ToUsers,
				spawnRate: rate,
			})
			offset += p.Duration
		case PatternStep:
			for _, st := range p.Steps {
				if st.Duration <= 0 {
					continue
				}
				plan.appendSegment(segment{
					start:     offset,
					duration:  st.Duration,
					fromUsers: st.Users,
					toUsers:   st.Users,
					spawnRate: instantRate(p.SpawnRate, st.Users),
				})
				offset += st.Duration
			}
		case PatternSpike:
			if p.Duration <= 0 {
				continue
			}
			plan.appendSegment(segment{
				start:     offset,
				duration:  p.Duration,
				fromUsers: p.Users,
				toUsers:   p.Users,
				spawnRate: instantRate(p.SpawnRate, p.Users),
			})
			offset += p.Duration
		}
	}

	if len(plan.segments) == 0 {
		return nil
	}
	plan.duration = offset
	return plan
}

func rampRate(from, to int, d time.Duration) float64 {
	delta := math.Abs(float64(to - from))
	rate := delta / d.Seconds()
	if rate < 1 {
		rate = 1
	}
	return rate
}

// instantRate lets step and spike phases land within about a second.
func instantRate(configured float64, users int) float64 {
	if configured > 0 {
		return configured
	}
	if users < 1 {
		return 1
	}
	return float64(users)
}

func (p *Plan) appendSegment(seg segment) {
	p.segments = append(p.segments, seg)
	if seg.fromUsers > p.maxUsers {
		p.maxUsers = seg.fromUsers
	}
	if seg.toUsers > p.maxUsers {
		p.maxUsers = seg.toUsers
	}
}

// TargetAt returns the target at elapsed, or false past the last phase.
func (p *Plan) TargetAt(elapsed time.Duration) (Target, bool) {
	if p == nil || len(p.segments) == 0 {
		return Target{}, false
	}
	if elapsed < 0 {
		elapsed = 0
	}
	for _, seg := range p.segments {
		end := seg.start + seg.duration
		if elapsed < seg.start || elapsed >= end {
			continue
		}
		if seg.fromUsers == seg.toUsers {
			return Target{Users: seg.fromUsers, SpawnRate: seg.spawnRate}, true
		}
		progress := float64(elapsed-seg.start) / float64(seg.duration)
		if progress < 0 {
			progress = 0
		} else if progress > 1 {
			progress = 1
		}
		users := float64(seg.fromUsers) + float64(seg.toUsers-seg.fromUsers)*progress
		return Target{Users: int(math.Round(users)), SpawnRate: seg.spawnRate}, true
	}
	return Target{}, false
}

func (p *Plan) Tick() (Target, bool) {
	return p.TargetAt(p.RunTime())
}

// MaxUsers is the largest population any phase asks for.
func (p *Plan) MaxUsers() int {
	if p == nil {
		return 0
	}
	return p.maxUsers
}

// TotalDuration is the sum of every phase.
func (p *Plan) TotalDuration() time.Duration {
	if p == nil {
		return 0
	}
	return p.duration
}
