/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ollamabackend

import (
	"errors"
	"fmt"
	"net/url"
)

// apiError is a non-200 response from the daemon.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ollama api error %d: %s", e.StatusCode, e.Body)
}

// isRetryableError reports whether an error is transient: the daemon was
// unreachable, overloaded, or failed server-side.
func isRetryableError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Connection refused, reset, DNS failure. The daemon may just be
		// finishing a model load.
		return true
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}
