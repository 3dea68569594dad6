// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sessionstore deletes and persists the session artifacts written by
// the protocol library. Callers select artifacts by [Kind] and [Scope]; the
// [Backend] decides where the bytes actually live.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"
)

// Backend is a flat, listable and deletable namespace of named artifacts.
type Backend interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
}

// TempSweeper is implemented by backends that can leave partial writes behind
// after a crash. A full purge sweeps them too.
type TempSweeper interface {
	SweepTemp(ctx context.Context) (int, error)
}

// Store applies purge scopes to a Backend.
type Store struct {
	backend Backend
	log     zerolog.Logger
}

// New creates a Store on top of the given backend.
func New(backend Backend, log zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		log:     log.With().Str("component", "session_store").Logger(),
	}
}

// Artifacts lists every stored artifact along with its kind.
func (s *Store) Artifacts(ctx context.Context) ([]Artifact, error) {
	names, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list session artifacts: %w", err)
	}
	artifacts := make([]Artifact, 0, len(names))
	for _, name := range names {
		artifacts = append(artifacts, Artifact{Name: name, Kind: KindOf(name)})
	}
	return artifacts, nil
}

// Purge deletes every artifact whose kind is included in scope and returns
// how many were removed. A failed deletion is logged and the purge moves on;
// all individual failures are joined into the returned error.
func (s *Store) Purge(ctx context.Context, scope Scope) (int, error) {
	artifacts, err := s.Artifacts(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, a := range artifacts {
		if !scope.Includes(a.Kind) {
			continue
		}
		if err := s.backend.Delete(ctx, a.Name); err != nil {
			s.log.Warn().Err(err).
				Str("artifact", a.Name).
				Stringer("kind", a.Kind).
				Msg("Could not delete session artifact")
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", a.Name, err))
			continue
		}
		s.log.Debug().Str("artifact", a.Name).Stringer("kind", a.Kind).Msg("Deleted session artifact")
		removed++
	}
	if sweeper, ok := s.backend.(TempSweeper); ok && scope == ScopeFull {
		swept, err := sweeper.SweepTemp(ctx)
		removed += swept
		if err != nil {
			s.log.Warn().Err(err).Msg("Could not delete leftover temp files")
			errs = append(errs, fmt.Errorf("failed to delete temp files: %w", err))
		}
	}

	s.log.Info().
		Stringer("scope", scope).
		Int("removed", removed).
		Int("failed", len(errs)).
		Msg("Purged session artifacts")
	return removed, errors.Join(errs...)
}

// LoadCredentials returns the stored credentials, or nil if the account has
// never been paired.
func (s *Store) LoadCredentials(ctx context.Context) ([]byte, error) {
	data, err := s.backend.Read(ctx, CredentialsName)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return data, nil
}

// SaveCredentials replaces the stored credentials.
func (s *Store) SaveCredentials(ctx context.Context, data []byte) error {
	if err := s.backend.Write(ctx, CredentialsName, data); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}
