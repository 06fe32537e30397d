// Package classify maps raw upstream error text onto a closed taxonomy
// and the retry policy attached to each class.
package classify

import (
	"regexp"
	"strconv"
	"time"
)

// Class is one bucket of the error taxonomy.
type Class string

const (
	TimeoutError        Class = "timeout_error"
	NetworkError        Class = "network_error"
	RateLimit           Class = "rate_limit"
	QuotaExhausted      Class = "quota_exhausted"
	FileError           Class = "file_error"
	AuthError           Class = "auth_error"
	ServerError         Class = "server_error"
	ClientError         Class = "client_error"
	UpstreamDomainError Class = "upstream_domain_error"
	Unknown             Class = "unknown"
)

// Policy holds the backoff parameters for one error class.
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64
}

// Retryable reports whether the policy allows any retry at all.
func (p Policy) Retryable() bool {
	return p.MaxAttempts > 0
}

type classPatterns struct {
	class    Class
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile("(?i)"+e))
	}
	return out
}

// Match order is significant: the first class whose pattern matches wins.
// Deadline errors come first so a blown task budget is never mistaken for
// a transient network timeout.
var taxonomy = []classPatterns{
	{TimeoutError, compile(
		`task.*deadline.*exceeded`,
		`task.*timed.*out`,
	)},
	{NetworkError, compile(
		`connection.*error`,
		`timeout`,
		`network.*unreachable`,
		`dns.*resolution.*failed`,
		`socket.*error`,
		`connection.*reset`,
		`connection.*refused`,
		`read.*timeout`,
		`write.*timeout`,
		`ssl.*error`,
		`certificate.*error`,
	)},
	{RateLimit, compile(
		`rate.*limit.*exceeded`,
		`too.*many.*requests`,
		`quota.*exceeded.*temporarily`,
		`throttled`,
		`429`,
		`rate.*limiting`,
	)},
	{QuotaExhausted, compile(
		`quota.*exceeded`,
		`resource.*exhausted`,
		`billing.*account.*suspended`,
		`api.*limit.*reached`,
		`usage.*limit.*exceeded`,
		`insufficient.*quota`,
		`credit.*exhausted`,
	)},
	{FileError, compile(
		`file.*not.*found`,
		`no.*such.*file`,
		`permission.*denied`,
		`file.*corrupted`,
		`invalid.*file.*format`,
		`unsupported.*format`,
		`file.*too.*large`,
		`disk.*full`,
		`io.*error`,
	)},
	{AuthError, compile(
		`authentication.*failed`,
		`invalid.*api.*key`,
		`unauthorized`,
		`access.*denied`,
		`forbidden`,
		`401`,
		`403`,
		`invalid.*credentials`,
		`token.*expired`,
		`signature.*invalid`,
	)},
	{ServerError, compile(
		`internal.*server.*error`,
		`server.*unavailable`,
		`service.*unavailable`,
		`bad.*gateway`,
		`gateway.*timeout`,
		`500`,
		`502`,
		`503`,
		`504`,
		`upstream.*error`,
	)},
	{ClientError, compile(
		`bad.*request`,
		`invalid.*request`,
		`malformed.*request`,
		`400`,
		`422`,
		`unprocessable.*entity`,
		`validation.*error`,
	)},
	{UpstreamDomainError, compile(
		`video.*not.*supported`,
		`video.*too.*large`,
		`invalid.*video.*format`,
		`video.*processing.*failed`,
		`model.*not.*available`,
		`content.*policy.*violation`,
		`safety.*filter.*triggered`,
	)},
}

// Classify maps an error message to its class. Pure: the same message
// always yields the same class.
func Classify(message string) Class {
	for _, cp := range taxonomy {
		for _, p := range cp.patterns {
			if p.MatchString(message) {
				return cp.class
			}
		}
	}
	return Unknown
}

var policies = map[Class]Policy{
	NetworkError: {MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, ExponentialBase: 1.5, JitterFactor: 0.2},
	RateLimit:    {MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 120 * time.Second, ExponentialBase: 2.0, JitterFactor: 0.3},
	ServerError:  {MaxAttempts: 4, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second, ExponentialBase: 2.0, JitterFactor: 0.1},
	Unknown:      {MaxAttempts: 2, BaseDelay: 3 * time.Second, MaxDelay: 10 * time.Second, ExponentialBase: 1.8, JitterFactor: 0.1},
}

// PolicyFor returns the retry policy for a class. Classes outside the
// retryable set get a zero-attempt policy.
func PolicyFor(class Class) Policy {
	if p, ok := policies[class]; ok {
		return p
	}
	return Policy{}
}

// Retryable reports whether the class is in the retryable set.
// retryUnknown gates the conservative single retry for Unknown.
func Retryable(class Class, retryUnknown bool) bool {
	switch class {
	case NetworkError, RateLimit, ServerError:
		return true
	case Unknown:
		return retryUnknown
	default:
		return false
	}
}

var (
	retryDelayPattern   = regexp.MustCompile(`'retryDelay':\s*'(\d+)s'`)
	retrySecondsPattern = regexp.MustCompile(`(\d+)s`)
)

// RetryAfter extracts an explicit "retry after N seconds" hint from the
// error text. The structured retryDelay field is preferred; a bare
// "<N>s" token is accepted as a fallback when the message mentions
// rate limiting or quota.
func RetryAfter(message string) (time.Duration, bool) {
	if m := retryDelayPattern.FindStringSubmatch(message); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			return time.Duration(secs) * time.Second, true
		}
	}
	lowered := Classify(message)
	if lowered == RateLimit || lowered == QuotaExhausted {
		if m := retrySecondsPattern.FindStringSubmatch(message); m != nil {
			if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	return 0, false
}
