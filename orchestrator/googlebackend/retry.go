/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package googlebackend

import (
	"strings"
)

// isRetryableError reports whether an error from the Gemini API is
// transient. The genai SDK does not expose a stable typed error for these,
// so this matches the messages observed in practice.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	retryablePatterns := []string{
		"Resource exhausted",
		"429",
		"RESOURCE_EXHAUSTED",
		"rate limit",
		"Overloaded",
		"503",
		"quota exceeded",
		"Internal error",
		"server error",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
