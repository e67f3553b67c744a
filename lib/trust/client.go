// Copyright 2026 The Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExpirationEnforcement controls whether metadata expiry is checked.
type ExpirationEnforcement int

const (
	// ExpirationStrict rejects any expired metadata. The default, and
	// what repository syncs use.
	ExpirationStrict ExpirationEnforcement = iota

	// ExpirationUnsafe skips expiry checks. Used only when loading a
	// locally cached repository that was verified strictly when it was
	// synced: a host may boot weeks after its cached timestamp
	// expired and must still be able to run its migrations. Every
	// other check (signatures, thresholds, version monotonicity,
	// hashes) still applies.
	ExpirationUnsafe
)

// TrustedVersions tracks the highest metadata version accepted per
// role. A client never accepts a document whose version is lower than
// the recorded one — replaying an older, validly-signed document is a
// rollback attack. Persist it across update attempts to extend the
// protection across reboots.
type TrustedVersions map[Role]uint64

// Options configures a Client.
type Options struct {
	// MetadataTransport fetches role documents.
	MetadataTransport Transport

	// TargetsTransport fetches artifact bytes. May equal
	// MetadataTransport when both areas share a base location.
	TargetsTransport Transport

	// TrustedVersions seeds the per-role rollback floor. Nil starts
	// with no floor (first contact).
	TrustedVersions TrustedVersions

	// Expiration selects expiry enforcement. Zero value is strict.
	Expiration ExpirationEnforcement

	// MaxMetadataBytes bounds a single metadata fetch. Zero means
	// 1 MiB.
	MaxMetadataBytes int64

	// MaxTargetBytes bounds a single artifact fetch. Zero means
	// 256 MiB.
	MaxTargetBytes int64

	// MaxRootRotations bounds the root update walk. Zero means 32.
	MaxRootRotations int

	// Now supplies the verification time. Nil means time.Now. Tests
	// use it for deterministic expiry behavior.
	Now func() time.Time
}

func (o *Options) maxMetadataBytes() int64 {
	if o.MaxMetadataBytes > 0 {
		return o.MaxMetadataBytes
	}
	return 1 << 20
}

func (o *Options) maxTargetBytes() int64 {
	if o.MaxTargetBytes > 0 {
		return o.MaxTargetBytes
	}
	return 1 << 28
}

func (o *Options) maxRootRotations() int {
	if o.MaxRootRotations > 0 {
		return o.MaxRootRotations
	}
	return 32
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Client is a verified view of one repository, produced by Load. It
// owns the per-role version state for its update attempt; it is not
// safe for concurrent use and is not shared between attempts.
type Client struct {
	options  Options
	root     *Root
	targets  *Targets
	versions TrustedVersions
}

// Load verifies the repository's metadata hierarchy in strict order
// and returns a client exposing the verified targets map.
//
// rootData is the trust anchor: an encoded root envelope obtained
// out-of-band (baked into the OS image). The chain is: verify the
// anchor, walk any published root rotations (each new root must meet
// the signature threshold of the root it replaces, and its own), then
// timestamp, then the snapshot that timestamp pins, then the targets
// document that snapshot pins — each gated on threshold signatures,
// version monotonicity, expiry, and (below timestamp) the parent's
// hash and length pin.
func Load(ctx context.Context, rootData []byte, options Options) (*Client, error) {
	if options.MetadataTransport == nil {
		return nil, fmt.Errorf("trust: no metadata transport configured")
	}
	if options.TargetsTransport == nil {
		options.TargetsTransport = options.MetadataTransport
	}

	client := &Client{
		options:  options,
		versions: make(TrustedVersions, 4),
	}
	for role, version := range options.TrustedVersions {
		client.versions[role] = version
	}

	root, err := client.verifyAnchor(rootData)
	if err != nil {
		return nil, err
	}
	client.root = root

	if err := client.rotateRoot(ctx); err != nil {
		return nil, err
	}

	timestamp, err := client.verifyTimestamp(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := client.verifySnapshot(ctx, timestamp.Snapshot)
	if err != nil {
		return nil, err
	}

	targets, err := client.verifyTargets(ctx, snapshot.Targets)
	if err != nil {
		return nil, err
	}
	client.targets = targets

	return client, nil
}

// Root returns the currently trusted root document.
func (c *Client) Root() *Root {
	return c.root
}

// Targets returns the verified artifact map.
func (c *Client) Targets() map[string]TargetMeta {
	result := make(map[string]TargetMeta, len(c.targets.Targets))
	for name, meta := range c.targets.Targets {
		result[name] = meta
	}
	return result
}

// TargetMeta looks up one verified target entry.
func (c *Client) TargetMeta(name string) (TargetMeta, error) {
	meta, ok := c.targets.Targets[name]
	if !ok {
		return TargetMeta{}, fmt.Errorf("%w: %s", ErrNoSuchTarget, name)
	}
	return meta, nil
}

// TrustedVersions returns the per-role versions accepted during this
// load, for persistence across attempts.
func (c *Client) TrustedVersions() TrustedVersions {
	result := make(TrustedVersions, len(c.versions))
	for role, version := range c.versions {
		result[role] = version
	}
	return result
}

// FetchTarget retrieves an artifact's bytes and verifies them against
// the verified targets map. The returned bytes are trusted content;
// any mismatch in length or hash is fatal, never retried.
func (c *Client) FetchTarget(ctx context.Context, name string) ([]byte, error) {
	meta, err := c.TargetMeta(name)
	if err != nil {
		return nil, err
	}

	data, err := c.options.TargetsTransport.Fetch(ctx, TargetFilename(name, meta.Hash), c.options.maxTargetBytes())
	if err != nil {
		return nil, err
	}

	if int64(len(data)) != meta.Length {
		return nil, fmt.Errorf("%w: target %s is %d bytes, expected %d", ErrLengthMismatch, name, len(data), meta.Length)
	}
	if HashTarget(data) != meta.Hash {
		return nil, fmt.Errorf("%w: target %s", ErrHashMismatch, name)
	}
	return data, nil
}

// TargetFilename returns the repository filename for a target:
// hash-prefixed so every publish is immutable and cache-friendly.
func TargetFilename(name string, hash Hash) string {
	return "targets/" + FormatHash(hash) + "." + name
}

// verifyAnchor checks the caller-provided root envelope: it must be
// internally consistent and carry threshold signatures from its own
// root-role keys, and must not regress below a previously trusted
// root version.
func (c *Client) verifyAnchor(rootData []byte) (*Root, error) {
	envelope, err := DecodeEnvelope(rootData)
	if err != nil {
		return nil, fmt.Errorf("trust anchor: %w", err)
	}

	var root Root
	if err := envelope.Decode(&root); err != nil {
		return nil, fmt.Errorf("trust anchor: %w", err)
	}
	if err := c.validateRoot(&root); err != nil {
		return nil, fmt.Errorf("trust anchor: %w", err)
	}

	keys, threshold, err := root.KeysForRole(RoleRoot)
	if err != nil {
		return nil, fmt.Errorf("trust anchor: %w", err)
	}
	if err := envelope.Verify(keys, threshold); err != nil {
		return nil, fmt.Errorf("trust anchor: %w", err)
	}

	if err := c.acceptVersion(RoleRoot, root.Version); err != nil {
		return nil, err
	}
	return &root, nil
}

// rotateRoot walks published root updates one version at a time. Each
// candidate must be signed by a threshold of keys from the root it
// replaces (so revoked keys cannot rotate themselves back in) and by a
// threshold of its own keys (so the new key holders demonstrably have
// custody). A missing next version ends the walk.
func (c *Client) rotateRoot(ctx context.Context) error {
	for rotation := 0; rotation < c.options.maxRootRotations(); rotation++ {
		nextVersion := c.root.Version + 1
		name := MetadataFilename(RoleRoot, nextVersion)

		data, err := c.options.MetadataTransport.Fetch(ctx, name, c.options.maxMetadataBytes())
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		envelope, err := DecodeEnvelope(data)
		if err != nil {
			return fmt.Errorf("root rotation %d: %w", nextVersion, err)
		}
		var candidate Root
		if err := envelope.Decode(&candidate); err != nil {
			return fmt.Errorf("root rotation %d: %w", nextVersion, err)
		}
		if candidate.Version != nextVersion {
			return fmt.Errorf("root rotation: file %s contains version %d", name, candidate.Version)
		}
		if err := c.validateRoot(&candidate); err != nil {
			return fmt.Errorf("root rotation %d: %w", nextVersion, err)
		}

		// Threshold of the previous root's keys.
		previousKeys, previousThreshold, err := c.root.KeysForRole(RoleRoot)
		if err != nil {
			return err
		}
		if err := envelope.Verify(previousKeys, previousThreshold); err != nil {
			return fmt.Errorf("root rotation %d not signed by previous root: %w", nextVersion, err)
		}

		// Threshold of the candidate's own keys.
		ownKeys, ownThreshold, err := candidate.KeysForRole(RoleRoot)
		if err != nil {
			return err
		}
		if err := envelope.Verify(ownKeys, ownThreshold); err != nil {
			return fmt.Errorf("root rotation %d not signed by its own keys: %w", nextVersion, err)
		}

		if err := c.acceptVersion(RoleRoot, candidate.Version); err != nil {
			return err
		}
		c.root = &candidate
	}
	return fmt.Errorf("root rotation walk exceeded %d updates", c.options.maxRootRotations())
}

func (c *Client) verifyTimestamp(ctx context.Context) (*Timestamp, error) {
	envelope, _, err := c.fetchRoleEnvelope(ctx, RoleTimestamp, MetadataFilename(RoleTimestamp, 0), nil)
	if err != nil {
		return nil, err
	}

	var timestamp Timestamp
	if err := envelope.Decode(&timestamp); err != nil {
		return nil, err
	}
	if timestamp.Type != RoleTimestamp {
		return nil, fmt.Errorf("timestamp document has type %q", timestamp.Type)
	}
	if err := c.checkExpiry(RoleTimestamp, timestamp.Expires); err != nil {
		return nil, err
	}
	if err := c.acceptVersion(RoleTimestamp, timestamp.Version); err != nil {
		return nil, err
	}
	return &timestamp, nil
}

func (c *Client) verifySnapshot(ctx context.Context, pin MetaPin) (*Snapshot, error) {
	envelope, _, err := c.fetchRoleEnvelope(ctx, RoleSnapshot, MetadataFilename(RoleSnapshot, pin.Version), &pin)
	if err != nil {
		return nil, err
	}

	var snapshot Snapshot
	if err := envelope.Decode(&snapshot); err != nil {
		return nil, err
	}
	if snapshot.Type != RoleSnapshot {
		return nil, fmt.Errorf("snapshot document has type %q", snapshot.Type)
	}
	if snapshot.Version != pin.Version {
		return nil, fmt.Errorf("snapshot document claims version %d, timestamp pins %d", snapshot.Version, pin.Version)
	}
	if err := c.checkExpiry(RoleSnapshot, snapshot.Expires); err != nil {
		return nil, err
	}
	if err := c.acceptVersion(RoleSnapshot, snapshot.Version); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *Client) verifyTargets(ctx context.Context, pin MetaPin) (*Targets, error) {
	envelope, _, err := c.fetchRoleEnvelope(ctx, RoleTargets, MetadataFilename(RoleTargets, pin.Version), &pin)
	if err != nil {
		return nil, err
	}

	var targets Targets
	if err := envelope.Decode(&targets); err != nil {
		return nil, err
	}
	if targets.Type != RoleTargets {
		return nil, fmt.Errorf("targets document has type %q", targets.Type)
	}
	if targets.Version != pin.Version {
		return nil, fmt.Errorf("targets document claims version %d, snapshot pins %d", targets.Version, pin.Version)
	}
	if err := c.checkExpiry(RoleTargets, targets.Expires); err != nil {
		return nil, err
	}
	if err := c.acceptVersion(RoleTargets, targets.Version); err != nil {
		return nil, err
	}
	return &targets, nil
}

// fetchRoleEnvelope fetches a role document, checks its threshold
// signatures against the current root, and — when a pin is given —
// checks the fetched bytes against the parent's hash and length pin
// before anything inside them is believed.
func (c *Client) fetchRoleEnvelope(ctx context.Context, role Role, name string, pin *MetaPin) (*Envelope, []byte, error) {
	data, err := c.options.MetadataTransport.Fetch(ctx, name, c.options.maxMetadataBytes())
	if err != nil {
		return nil, nil, err
	}

	if pin != nil {
		if int64(len(data)) != pin.Length {
			return nil, nil, fmt.Errorf("%w: %s is %d bytes, pinned %d", ErrLengthMismatch, name, len(data), pin.Length)
		}
		if HashMetadata(data) != pin.Hash {
			return nil, nil, fmt.Errorf("%w: %s", ErrHashMismatch, name)
		}
	}

	envelope, err := DecodeEnvelope(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}

	keys, threshold, err := c.root.KeysForRole(role)
	if err != nil {
		return nil, nil, err
	}
	if err := envelope.Verify(keys, threshold); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	return envelope, data, nil
}

// acceptVersion enforces per-role version monotonicity and records the
// accepted version.
func (c *Client) acceptVersion(role Role, version uint64) error {
	if trusted, ok := c.versions[role]; ok && version < trusted {
		return fmt.Errorf("%w: %s version %d is below trusted version %d", ErrRollback, role, version, trusted)
	}
	c.versions[role] = version
	return nil
}

// checkExpiry applies the configured expiration enforcement.
func (c *Client) checkExpiry(role Role, expires time.Time) error {
	if c.options.Expiration == ExpirationUnsafe {
		return nil
	}
	if !c.options.now().Before(expires) {
		return fmt.Errorf("%w: %s expired %s", ErrExpired, role, expires.UTC().Format(time.RFC3339))
	}
	return nil
}

// validateRoot runs root self-consistency checks, honoring the
// configured expiration enforcement.
func (c *Client) validateRoot(root *Root) error {
	err := root.Validate(c.options.now())
	if err != nil && c.options.Expiration == ExpirationUnsafe && errors.Is(err, ErrExpired) {
		// Structure checks all passed; only the expiry did not.
		// Re-validate at the instant before expiry to confirm the rest.
		return root.Validate(root.Expires.Add(-time.Nanosecond))
	}
	return err
}
