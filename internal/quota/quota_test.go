package quota

import (
	"testing"

	"github.com/PortNumber53/crosspost/internal/models"
)

func TestAllow_Boundaries(t *testing.T) {
	cases := []struct {
		tier models.Tier
		used int
		want bool
	}{
		{models.TierBasic, 0, true},
		{models.TierBasic, 4, true},
		{models.TierBasic, 5, false},
		{models.TierBasic, 6, false},
		{models.TierStandard, 14, true},
		{models.TierStandard, 15, false},
		{models.TierPremium, 0, true},
		{models.TierPremium, 1_000_000, true},
		{models.Tier("gold"), 0, false},
	}
	for _, c := range cases {
		if got := Allow(c.tier, c.used); got != c.want {
			t.Fatalf("Allow(%s,%d)=%v want %v", c.tier, c.used, got, c.want)
		}
	}
}

func TestAllow_MonotonicNonIncreasing(t *testing.T) {
	for _, tier := range []models.Tier{models.TierBasic, models.TierStandard, models.TierPremium} {
		prev := true
		for used := 0; used < 100; used++ {
			got := Allow(tier, used)
			if got && !prev {
				t.Fatalf("tier %s: Allow flipped back to true at used=%d", tier, used)
			}
			if tier == models.TierPremium && !got {
				t.Fatalf("premium denied at used=%d", used)
			}
			prev = got
		}
	}
}

func TestRemaining(t *testing.T) {
	if got := Remaining(models.TierBasic, 3); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := Remaining(models.TierBasic, 9); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := Remaining(models.TierPremium, 9); got != Unlimited {
		t.Fatalf("expected unlimited, got %d", got)
	}
	if l, ok := Limit(models.TierStandard); !ok || l != 15 {
		t.Fatalf("unexpected standard limit %d ok=%v", l, ok)
	}
}
