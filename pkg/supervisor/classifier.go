// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"errors"
	"strings"
)

// textRules are tried in order when a signal carries no structured error.
var textRules = []struct {
	category Category
	needles  []string
}{
	{CategoryConflict, []string{"conflict", "replaced"}},
	{CategoryBadMAC, []string{"bad mac", "mac verification", "invalid mac"}},
	{CategoryStaleSession, []string{"closing stale", "stale session", "closed session", "old session"}},
	{CategoryDecryptFailure, []string{"decrypt", "no session record", "no matching sessions"}},
}

// Classify reduces a signal to a category. It has no side effects and always
// returns the same category for the same signal. Structured errors take
// precedence; text is only matched when the error carries no known sentinel
// or status code.
func Classify(sig Signal) (cat Category) {
	defer func() {
		if recover() != nil {
			cat = CategoryUnknown
		}
	}()

	if sig.Source == SourceStub {
		return CategoryProtocolStub
	}
	if cat, ok := classifyStructured(sig.Err); ok {
		return cat
	}
	return classifyText(signalText(sig))
}

func classifyStructured(err error) (Category, bool) {
	if err == nil {
		return CategoryUnknown, false
	}
	var closeErr *CloseError
	hasClose := errors.As(err, &closeErr)
	switch {
	case errors.Is(err, ErrSessionConflict),
		hasClose && closeErr.StatusCode == StatusConnectionReplaced:
		return CategoryConflict, true
	case errors.Is(err, ErrBadMAC):
		return CategoryBadMAC, true
	case errors.Is(err, ErrStaleSession):
		return CategoryStaleSession, true
	case errors.Is(err, ErrDecryptFailed):
		return CategoryDecryptFailure, true
	case hasClose && closeErr.StatusCode == StatusLoggedOut:
		return CategoryLoggedOut, true
	}
	return CategoryUnknown, false
}

func signalText(sig Signal) string {
	text := sig.Text
	if sig.Err != nil {
		if text != "" {
			text += ": "
		}
		text += sig.Err.Error()
	}
	return strings.ToLower(text)
}

func classifyText(text string) Category {
	if text == "" {
		return CategoryUnknown
	}
	for _, rule := range textRules {
		for _, needle := range rule.needles {
			if strings.Contains(text, needle) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}
