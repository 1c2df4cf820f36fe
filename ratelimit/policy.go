package ratelimit

import (
	"strings"
	"time"
)

// Policy is the attempt budget for one endpoint.
type Policy struct {
	Name        string
	MaxAttempts int
	Window      time.Duration
}

// DefaultPolicy applies to endpoints that match no entry in the table.
var DefaultPolicy = Policy{Name: "default", MaxAttempts: 100, Window: time.Minute}

// policies is ordered: substring matching walks it top to bottom, so the
// first entry contained in the endpoint name wins.
var policies = []Policy{
	{Name: "login", MaxAttempts: 5, Window: 5 * time.Minute},
	{Name: "signup", MaxAttempts: 3, Window: 5 * time.Minute},
	{Name: "forgot-password", MaxAttempts: 3, Window: time.Hour},
	{Name: "reset-password", MaxAttempts: 5, Window: time.Hour},
	{Name: "upload", MaxAttempts: 20, Window: 5 * time.Minute},
	{Name: "messages", MaxAttempts: 60, Window: time.Minute},
	{Name: "conversations", MaxAttempts: 30, Window: time.Minute},
	{Name: "gigs", MaxAttempts: 20, Window: 5 * time.Minute},
	{Name: "applications", MaxAttempts: 30, Window: 5 * time.Minute},
	{Name: "profile", MaxAttempts: 10, Window: 5 * time.Minute},
	{Name: "reviews", MaxAttempts: 10, Window: 5 * time.Minute},
	{Name: "notifications", MaxAttempts: 30, Window: time.Minute},
}

// PolicyFor resolves the policy for an endpoint: exact name first, then the
// first table entry whose name is a substring of endpoint, then DefaultPolicy.
func PolicyFor(endpoint string) Policy {
	for _, p := range policies {
		if p.Name == endpoint {
			return p
		}
	}
	for _, p := range policies {
		if strings.Contains(endpoint, p.Name) {
			return p
		}
	}
	return DefaultPolicy
}
