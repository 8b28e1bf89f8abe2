package models

// Tier is a sender's subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierProPlus    Tier = "pro_plus"
	TierEnterprise Tier = "enterprise"
)

// Unlimited marks a limit that is never enforced.
const Unlimited = -1

type TierLimits struct {
	MessagesPerDay   int `json:"messages_per_day"`
	ThreadsPerDay    int `json:"threads_per_day"`
	MaxMessageLength int `json:"max_message_length"`
}

var tierLimits = map[Tier]TierLimits{
	TierFree:       {MessagesPerDay: 10, ThreadsPerDay: 3, MaxMessageLength: 500},
	TierPro:        {MessagesPerDay: 50, ThreadsPerDay: 10, MaxMessageLength: 2000},
	TierProPlus:    {MessagesPerDay: Unlimited, ThreadsPerDay: Unlimited, MaxMessageLength: 10000},
	TierEnterprise: {MessagesPerDay: Unlimited, ThreadsPerDay: Unlimited, MaxMessageLength: 50000},
}

// LimitsFor returns the limits of t; unknown tiers get the free limits.
func LimitsFor(t Tier) TierLimits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// Allows reports whether used+1 stays within limit.
func Allows(limit, used int) bool {
	return limit == Unlimited || used < limit
}
