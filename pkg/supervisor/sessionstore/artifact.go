// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sessionstore

import "strings"

// CredentialsName is the artifact holding the account credentials.
const CredentialsName = "creds.json"

// Kind tags a persisted session artifact by what it contains.
type Kind int

const (
	KindOther Kind = iota
	KindCredentials
	KindPerPeerSession
	KindSenderKey
	KindSenderKeyMemory
	KindAppState
	KindPreKey
)

func (k Kind) String() string {
	switch k {
	case KindCredentials:
		return "credentials"
	case KindPerPeerSession:
		return "session"
	case KindSenderKey:
		return "sender-key"
	case KindSenderKeyMemory:
		return "sender-key-memory"
	case KindAppState:
		return "app-state"
	case KindPreKey:
		return "pre-key"
	default:
		return "other"
	}
}

// kindPrefixes is checked in order, so longer prefixes sharing a stem must
// come first.
var kindPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"sender-key-memory-", KindSenderKeyMemory},
	{"sender-key-", KindSenderKey},
	{"session-", KindPerPeerSession},
	{"app-state-", KindAppState},
	{"pre-key-", KindPreKey},
}

// KindOf returns the kind of the artifact with the given name.
func KindOf(name string) Kind {
	if name == CredentialsName || strings.HasPrefix(name, "creds.") {
		return KindCredentials
	}
	for _, kp := range kindPrefixes {
		if strings.HasPrefix(name, kp.prefix) {
			return kp.kind
		}
	}
	return KindOther
}

// Artifact is a single named unit of persisted session state.
type Artifact struct {
	Name string
	Kind Kind
}

// Scope selects which artifact kinds a purge removes.
type Scope int

const (
	// ScopeSessionOnly removes per-peer sessions, sender keys, app state and
	// pre-keys. Credentials and sender key memory are kept.
	ScopeSessionOnly Scope = iota
	// ScopeSessionAndSenderKeyMemory is ScopeSessionOnly plus the memorized
	// sender key distribution state.
	ScopeSessionAndSenderKeyMemory
	// ScopeFull removes everything, including credentials, which forces the
	// account to pair again.
	ScopeFull
)

func (s Scope) String() string {
	switch s {
	case ScopeSessionOnly:
		return "session_only"
	case ScopeSessionAndSenderKeyMemory:
		return "session_and_sender_key_memory"
	case ScopeFull:
		return "full"
	default:
		return "unknown"
	}
}

// Includes reports whether a purge with this scope deletes artifacts of the
// given kind.
func (s Scope) Includes(k Kind) bool {
	switch k {
	case KindPerPeerSession, KindSenderKey, KindAppState, KindPreKey:
		return s == ScopeSessionOnly || s == ScopeSessionAndSenderKeyMemory || s == ScopeFull
	case KindSenderKeyMemory:
		return s == ScopeSessionAndSenderKeyMemory || s == ScopeFull
	default:
		return s == ScopeFull
	}
}
