// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package migrate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blang/semver/v4"

	"github.com/caldera-os/caldera/lib/codec"
)

// Entry records one committed migration step.
type Entry struct {
	Migration   string         `cbor:"migration"`
	From        semver.Version `cbor:"from"`
	To          semver.Version `cbor:"to"`
	Generation  uint64         `cbor:"generation"`
	CommittedAt time.Time      `cbor:"committed_at"`
}

// Journal is the append-only run record: one entry per committed step,
// written durably before the next step begins. It exists only to
// account for progress across an interruption; once a path completes
// it is discarded. A missing journal file is an empty journal.
type Journal struct {
	path    string
	file    *os.File
	entries []Entry
}

// OpenJournal opens or creates the journal at path and loads any
// entries a previous interrupted run left behind.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening run journal: %w", err)
	}

	journal := &Journal{path: path, file: file}
	decoder := codec.NewDecoder(file)
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			file.Close()
			return nil, fmt.Errorf("reading run journal: %w", err)
		}
		journal.entries = append(journal.entries, entry)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("seeking run journal: %w", err)
	}
	return journal, nil
}

// Entries returns the recorded steps, oldest first.
func (j *Journal) Entries() []Entry {
	return append([]Entry(nil), j.entries...)
}

// Append records a committed step durably.
func (j *Journal) Append(entry Entry) error {
	data, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("writing run journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("syncing run journal: %w", err)
	}
	j.entries = append(j.entries, entry)
	return nil
}

// Close releases the journal file, keeping its contents.
func (j *Journal) Close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Discard closes and removes the journal, for a path that completed.
func (j *Journal) Discard() error {
	if err := j.Close(); err != nil {
		return err
	}
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing run journal: %w", err)
	}
	return nil
}
