// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Error taxonomy for remote store responses. The push scheduler keys its
// recovery behavior off these classes:
//
//   - ErrNotFound:  404. A delete hitting this is treated as success.
//   - ErrConflict:  the unique constraint on local_id was violated by a
//     concurrent create. Recovered via resolve-then-patch.
//   - ErrRejected:  any other 4xx. No automatic recovery; the record is
//     parked for review.
//   - everything else (connection failures, timeouts, 5xx) is transient:
//     state is left untouched and the next cycle retries.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("duplicate local id")
	ErrRejected = errors.New("request rejected by server")
)

// IsTransient reports whether err should be retried on a later cycle rather
// than acted on. Anything that is not a classified 4xx outcome counts:
// offline, timeouts, 5xx, and undecodable responses all land here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrRejected)
}

// errorBody is the JSON error envelope the store returns on 4xx.
type errorBody struct {
	Code    int                       `json:"code"`
	Message string                    `json:"message"`
	Data    map[string]fieldViolation `json:"data"`
}

type fieldViolation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// checkResponse classifies a non-2xx response into the error taxonomy.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", resp.Request.URL.Path, ErrNotFound)

	case resp.StatusCode == http.StatusBadRequest && isDuplicateLocalID(body):
		return fmt.Errorf("%s: %w", resp.Request.URL.Path, ErrConflict)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("server returned status %d: %s: %w", resp.StatusCode, string(body), ErrRejected)

	default:
		// 5xx and anything unexpected: transient, retried later.
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
}

// isDuplicateLocalID reports whether a 400 body flags the local_id unique
// constraint, the signature of a create racing an earlier create.
func isDuplicateLocalID(body []byte) bool {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return false
	}
	v, ok := eb.Data["local_id"]
	return ok && v.Code == "validation_not_unique"
}
