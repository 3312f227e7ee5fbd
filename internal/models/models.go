package models

import (
	"strings"
	"time"
)

type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformLinkedIn  Platform = "linkedin"
)

// AllPlatforms is the stable iteration order used for persistence and responses.
var AllPlatforms = []Platform{
	PlatformTwitter,
	PlatformFacebook,
	PlatformInstagram,
	PlatformYouTube,
	PlatformTikTok,
	PlatformLinkedIn,
}

// DefaultTargets are used when a create request names no platforms.
var DefaultTargets = []Platform{PlatformTwitter, PlatformFacebook, PlatformInstagram}

// ParsePlatform normalizes a user supplied platform name. "x" is accepted for twitter.
func ParsePlatform(s string) (Platform, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "x" {
		v = string(PlatformTwitter)
	}
	for _, p := range AllPlatforms {
		if string(p) == v {
			return p, true
		}
	}
	return "", false
}

type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Period returns the subscription length for the interval.
func (i Interval) Period() time.Duration {
	if i == IntervalYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// ResetPeriod is the usage counter window, independent of billing interval.
const ResetPeriod = 30 * 24 * time.Hour

// GracePeriod is how long an auto-renewing subscription stays active past its end date.
const GracePeriod = 48 * time.Hour

// PlatformAccount is one connected (or not) platform account on a customer.
type PlatformAccount struct {
	AccessToken string `json:"-"`
	AccountID   string `json:"accountId,omitempty"`
	Handle      string `json:"handle,omitempty"`
}

// Connected reports whether the account has a credential.
func (a PlatformAccount) Connected() bool {
	return strings.TrimSpace(a.AccessToken) != ""
}

type Customer struct {
	UserID    string                       `json:"userId"`
	Email     string                       `json:"email"`
	Name      string                       `json:"name"`
	Accounts  map[Platform]PlatformAccount `json:"accounts"`
	CreatedAt time.Time                    `json:"createdAt"`
}

func (c Customer) Account(p Platform) PlatformAccount {
	if c.Accounts == nil {
		return PlatformAccount{}
	}
	return c.Accounts[p]
}

func (c Customer) Connected(p Platform) bool {
	return c.Account(p).Connected()
}

type SubscriptionPlan struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Tier             Tier      `json:"tier"`
	Interval         Interval  `json:"interval"`
	PriceCents       int64     `json:"priceCents"`
	Currency         string    `json:"currency"`
	PostQuota        int       `json:"postQuota"` // -1 = unlimited
	ExternalPlanCode string    `json:"externalPlanCode,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (p SubscriptionPlan) Free() bool { return p.PriceCents <= 0 }

type UserSubscription struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	PlanID            string     `json:"planId"`
	StartDate         time.Time  `json:"startDate"`
	EndDate           time.Time  `json:"endDate"`
	NextResetDate     time.Time  `json:"nextResetDate"`
	PostsUsed         int        `json:"postsUsed"`
	Active            bool       `json:"active"`
	AutoSubscribe     bool       `json:"autoSubscribe"`
	SubscriptionCode  string     `json:"subscriptionCode,omitempty"`
	CustomerCode      string     `json:"customerCode,omitempty"`
	AuthorizationCode string     `json:"-"`
	ChargeAttemptedAt *time.Time `json:"chargeAttemptedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type SubscriptionState string

const (
	StateNone         SubscriptionState = "none"
	StateActive       SubscriptionState = "active"
	StateOverdueGrace SubscriptionState = "active_overdue_grace"
	StateExpired      SubscriptionState = "expired"
)

// State derives the lifecycle state of a subscription row at now.
func (s *UserSubscription) State(now time.Time) SubscriptionState {
	if s == nil {
		return StateNone
	}
	if !s.Active {
		return StateExpired
	}
	if !now.Before(s.EndDate) {
		return StateOverdueGrace
	}
	return StateActive
}

// PlatformRef is the per-platform identity of a published post.
type PlatformRef struct {
	PostID    string `json:"postId,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

type Post struct {
	ID        string                   `json:"id"`
	UserID    string                   `json:"userId"`
	Caption   string                   `json:"caption"`
	MediaURLs []string                 `json:"mediaUrls"`
	Refs      map[Platform]PlatformRef `json:"platforms"`
	Deleted   bool                     `json:"deleted"`
	DeletedAt *time.Time               `json:"deletedAt,omitempty"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// Ref returns the stored platform reference, empty when the platform holds no post.
func (p Post) Ref(pl Platform) PlatformRef {
	if p.Refs == nil {
		return PlatformRef{}
	}
	return p.Refs[pl]
}

// PublishedOn lists platforms with a stored platform post id, in AllPlatforms order.
func (p Post) PublishedOn() []Platform {
	out := make([]Platform, 0, len(p.Refs))
	for _, pl := range AllPlatforms {
		if strings.TrimSpace(p.Ref(pl).PostID) != "" {
			out = append(out, pl)
		}
	}
	return out
}

// PlatformPostResult is the outcome of one adapter call. Attempted=false means the
// platform was never contacted (for example, it is not connected).
type PlatformPostResult struct {
	Platform  Platform `json:"platform"`
	Attempted bool     `json:"attempted"`
	Success   bool     `json:"success"`
	PostID    string   `json:"postId,omitempty"`
	Permalink string   `json:"permalink,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	Raw       string   `json:"raw,omitempty"`
}

// PlatformPostSummary is one item of a platform's own post history.
type PlatformPostSummary struct {
	ID        string     `json:"id"`
	Caption   string     `json:"caption,omitempty"`
	Permalink string     `json:"permalink,omitempty"`
	MediaURL  string     `json:"mediaUrl,omitempty"`
	PostedAt  *time.Time `json:"postedAt,omitempty"`
}

type BillingEvent struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Type       string    `json:"type"`
	Reference  string    `json:"reference"`
	UserID     string    `json:"userId,omitempty"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"receivedAt"`
}
