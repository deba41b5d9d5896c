package defense

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetector_AllowByDefault(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	action, pattern := d.Assess("+8613812345678", "203.0.113.1")
	assert.Equal(t, ActionAllow, action)
	assert.Equal(t, PatternNone, pattern)
}

func TestDetector_CredentialStuffing(t *testing.T) {
	d := NewDetector(DetectorConfig{StuffingPhones: 3})

	for i := 0; i < 4; i++ {
		d.Observe(Event{
			Kind:  EventVerifyFailure,
			Phone: fmt.Sprintf("+861381234%04d", i),
			IP:    "203.0.113.1",
		})
	}

	action, pattern := d.Assess("+8613812340000", "203.0.113.1")
	assert.Equal(t, ActionBlock, action)
	assert.Equal(t, PatternCredentialStuffing, pattern)

	// A different IP is unaffected.
	action, _ = d.Assess("+8613812340000", "203.0.113.2")
	assert.NotEqual(t, ActionBlock, action)
}

func TestDetector_BruteForce(t *testing.T) {
	d := NewDetector(DetectorConfig{BruteFailures: 5})

	for i := 0; i < 6; i++ {
		d.Observe(Event{Kind: EventVerifyFailure, Phone: "+8613812345678", IP: "203.0.113.1"})
	}

	action, pattern := d.Assess("+8613812345678", "203.0.113.1")
	assert.Equal(t, ActionChallengeCaptcha, action)
	assert.Equal(t, PatternBruteForce, pattern)
}

func TestDetector_DistributedBrute(t *testing.T) {
	d := NewDetector(DetectorConfig{DistributedFailures: 10, DistributedIPs: 3})

	for i := 0; i < 12; i++ {
		d.Observe(Event{
			Kind:  EventVerifyFailure,
			Phone: "+8613812345678",
			IP:    fmt.Sprintf("203.0.113.%d", i%4+1),
		})
	}

	action, pattern := d.Assess("+8613812345678", "203.0.113.1")
	assert.Equal(t, ActionBlock, action)
	assert.Equal(t, PatternDistributedBrute, pattern)
}

func TestDetector_Enumeration(t *testing.T) {
	d := NewDetector(DetectorConfig{EnumPhones: 3})

	for i := 0; i < 4; i++ {
		d.Observe(Event{
			Kind:  EventSendCode,
			Phone: fmt.Sprintf("+861381234%04d", i),
			IP:    "203.0.113.9",
		})
	}

	action, pattern := d.Assess("+8613812349999", "203.0.113.9")
	assert.Equal(t, ActionSlow, action)
	assert.Equal(t, PatternEnumeration, pattern)
}

func TestDetector_EventsAgeOut(t *testing.T) {
	now := time.Now()
	d := NewDetector(DetectorConfig{BruteFailures: 3, BruteWindow: time.Minute})
	d.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		d.Observe(Event{Kind: EventVerifyFailure, Phone: "+8613812345678", IP: "203.0.113.1"})
	}

	action, _ := d.Assess("+8613812345678", "203.0.113.1")
	assert.Equal(t, ActionChallengeCaptcha, action)

	now = now.Add(2 * time.Minute)
	action, _ = d.Assess("+8613812345678", "203.0.113.1")
	assert.Equal(t, ActionAllow, action, "stale failures must not count")
}

func TestDetector_Deterministic(t *testing.T) {
	build := func() *Detector {
		d := NewDetector(DetectorConfig{BruteFailures: 2})
		at := time.Now()
		for i := 0; i < 3; i++ {
			d.Observe(Event{Kind: EventVerifyFailure, Phone: "+8613812345678", IP: "203.0.113.1", At: at})
		}
		return d
	}

	a1, p1 := build().Assess("+8613812345678", "203.0.113.1")
	a2, p2 := build().Assess("+8613812345678", "203.0.113.1")
	assert.Equal(t, a1, a2)
	assert.Equal(t, p1, p2)
}
