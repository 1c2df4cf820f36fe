package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// WriteHeaders sets the X-RateLimit-* metadata and, on rejection, Retry-After.
func WriteHeaders(w http.ResponseWriter, res Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
	}
}

// RetryMessage renders a wait duration for people: minutes above one minute,
// seconds otherwise, both rounded up.
func RetryMessage(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	if secs > 60 {
		minutes := int(math.Ceil(float64(secs) / 60))
		return fmt.Sprintf("Too many requests. Please try again in %d minute(s).", minutes)
	}
	return fmt.Sprintf("Too many requests. Please try again in %d second(s).", secs)
}
