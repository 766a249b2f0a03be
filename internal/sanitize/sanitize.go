// Package sanitize provides input sanitization for user-supplied profile
// fields. Uses bluemonday's strict policy to strip all HTML from display
// names and similar plain-text fields before they are stored or echoed back
// in API responses consumed by the chat and materials subsystems.
package sanitize

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// policy is the singleton strict policy. Initialized once via sync.Once for
// thread-safe lazy initialization.
var (
	policy     *bluemonday.Policy
	policyOnce sync.Once
)

func getPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.StrictPolicy()
	})
	return policy
}

// DisplayName strips all HTML from a user-supplied name, unescapes the
// entities bluemonday leaves behind, collapses inner whitespace, and trims.
// "  <b>Alice</b>   Smith " becomes "Alice Smith".
func DisplayName(input string) string {
	stripped := html.UnescapeString(getPolicy().Sanitize(input))
	return strings.Join(strings.Fields(stripped), " ")
}
