package defense

import (
	"sync"
	"time"
)

// Pattern is a classified attack pattern.
type Pattern string

const (
	PatternNone               Pattern = ""
	PatternCredentialStuffing Pattern = "credential_stuffing"
	PatternBruteForce         Pattern = "brute_force"
	PatternDistributedBrute   Pattern = "distributed_brute"
	PatternEnumeration        Pattern = "enumeration"
)

// Action is the detector's recommendation to the caller. Ordering matters:
// higher values are stricter.
type Action int

const (
	ActionAllow Action = iota
	ActionSlow
	ActionChallengeCaptcha
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionSlow:
		return "slow"
	case ActionChallengeCaptcha:
		return "challenge_captcha"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// EventKind distinguishes verification failures from send-code bursts.
type EventKind int

const (
	EventVerifyFailure EventKind = iota
	EventSendCode
)

// Event is one observation fed to the detector.
type Event struct {
	Kind   EventKind
	Phone  string
	IP     string
	Reason string
	At     time.Time
}

// DetectorConfig holds the classification thresholds. A zero value is
// replaced by the defaults.
type DetectorConfig struct {
	// CredentialStuffing: more than StuffingPhones distinct phones failing
	// from one IP within StuffingWindow.
	StuffingPhones int
	StuffingWindow time.Duration
	// BruteForce: more than BruteFailures failures on one phone within
	// BruteWindow.
	BruteFailures int
	BruteWindow   time.Duration
	// DistributedBrute: more than DistributedFailures failures on one phone
	// from more than DistributedIPs distinct IPs within DistributedWindow.
	DistributedFailures int
	DistributedIPs      int
	DistributedWindow   time.Duration
	// Enumeration: send-code against more than EnumPhones distinct phones
	// from one IP within EnumWindow.
	EnumPhones int
	EnumWindow time.Duration
}

// DefaultDetectorConfig returns the default thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		StuffingPhones:      8,
		StuffingWindow:      5 * time.Minute,
		BruteFailures:       15,
		BruteWindow:         5 * time.Minute,
		DistributedFailures: 20,
		DistributedIPs:      5,
		DistributedWindow:   10 * time.Minute,
		EnumPhones:          10,
		EnumWindow:          5 * time.Minute,
	}
}

// Detector keeps a short horizon of failure and send events and classifies
// request streams into attack patterns. Decisions are deterministic given the
// event log and thresholds; recommendations are advisory.
type Detector struct {
	mu     sync.Mutex
	events []Event
	cfg    DetectorConfig
	now    func() time.Time
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.StuffingPhones <= 0 {
		cfg.StuffingPhones = def.StuffingPhones
	}
	if cfg.StuffingWindow <= 0 {
		cfg.StuffingWindow = def.StuffingWindow
	}
	if cfg.BruteFailures <= 0 {
		cfg.BruteFailures = def.BruteFailures
	}
	if cfg.BruteWindow <= 0 {
		cfg.BruteWindow = def.BruteWindow
	}
	if cfg.DistributedFailures <= 0 {
		cfg.DistributedFailures = def.DistributedFailures
	}
	if cfg.DistributedIPs <= 0 {
		cfg.DistributedIPs = def.DistributedIPs
	}
	if cfg.DistributedWindow <= 0 {
		cfg.DistributedWindow = def.DistributedWindow
	}
	if cfg.EnumPhones <= 0 {
		cfg.EnumPhones = def.EnumPhones
	}
	if cfg.EnumWindow <= 0 {
		cfg.EnumWindow = def.EnumWindow
	}
	return &Detector{cfg: cfg, now: time.Now}
}

// Observe records an event and prunes anything past the longest window.
func (d *Detector) Observe(ev Event) {
	if ev.At.IsZero() {
		ev.At = d.now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	horizon := d.cfg.StuffingWindow
	for _, w := range []time.Duration{d.cfg.BruteWindow, d.cfg.DistributedWindow, d.cfg.EnumWindow} {
		if w > horizon {
			horizon = w
		}
	}
	cutoff := d.now().Add(-horizon)

	kept := d.events[:0]
	for _, e := range d.events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.events = append(kept, ev)
}

// Assess classifies the current stream for the given phone and IP and returns
// the recommended action with the matched pattern.
func (d *Detector) Assess(phone, ip string) (Action, Pattern) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	action, pattern := ActionAllow, PatternNone

	raise := func(a Action, p Pattern) {
		if a > action {
			action, pattern = a, p
		}
	}

	// DistributedBrute: many failures on this phone from many IPs.
	failures, ips := d.phoneFailures(phone, now.Add(-d.cfg.DistributedWindow))
	if failures > d.cfg.DistributedFailures && len(ips) > d.cfg.DistributedIPs {
		raise(ActionBlock, PatternDistributedBrute)
	}

	// CredentialStuffing: one IP cycling through many phones.
	if d.distinctPhonesFromIP(ip, EventVerifyFailure, now.Add(-d.cfg.StuffingWindow)) > d.cfg.StuffingPhones {
		raise(ActionBlock, PatternCredentialStuffing)
	}

	// BruteForce: hammering one phone.
	failures, _ = d.phoneFailures(phone, now.Add(-d.cfg.BruteWindow))
	if failures > d.cfg.BruteFailures {
		raise(ActionChallengeCaptcha, PatternBruteForce)
	}

	// Enumeration: send-code sprayed across many phones from one IP.
	if d.distinctPhonesFromIP(ip, EventSendCode, now.Add(-d.cfg.EnumWindow)) > d.cfg.EnumPhones {
		raise(ActionSlow, PatternEnumeration)
	}

	return action, pattern
}

// phoneFailures counts verify failures for the phone since cutoff and the
// distinct source IPs involved. Caller holds the lock.
func (d *Detector) phoneFailures(phone string, cutoff time.Time) (int, map[string]struct{}) {
	count := 0
	ips := make(map[string]struct{})
	for _, e := range d.events {
		if e.Kind == EventVerifyFailure && e.Phone == phone && e.At.After(cutoff) {
			count++
			ips[e.IP] = struct{}{}
		}
	}
	return count, ips
}

// distinctPhonesFromIP counts distinct phones the IP touched with the given
// event kind since cutoff. Caller holds the lock.
func (d *Detector) distinctPhonesFromIP(ip string, kind EventKind, cutoff time.Time) int {
	phones := make(map[string]struct{})
	for _, e := range d.events {
		if e.Kind == kind && e.IP == ip && e.At.After(cutoff) {
			phones[e.Phone] = struct{}{}
		}
	}
	return len(phones)
}
