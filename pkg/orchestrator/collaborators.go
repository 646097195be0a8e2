package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// BackupProvider snapshots and restores the target configuration.
type BackupProvider interface {
	// Create snapshots the current configuration and returns an opaque
	// backup reference plus the configuration hash it captured.
	Create(ctx context.Context, repository string) (ref, configHash string, err error)

	// Restore re-applies the configuration captured under ref.
	Restore(ctx context.Context, repository, ref string) error
}

// Applier writes the new configuration to the target and reloads it.
type Applier interface {
	// Apply deploys the given commit and returns the resulting
	// configuration hash.
	Apply(ctx context.Context, repository, commit string) (configHash string, err error)
}

// TargetHealth probes the deployed service's availability endpoints.
// A nil implementation skips the probe.
type TargetHealth interface {
	Check(ctx context.Context, repository string) error
}

// Validator is an optional domain-specific validation hook run after
// the built-in syntax and security scans.
type Validator interface {
	Validate(ctx context.Context, repository, commit string) error
}

// LocalBackup is the in-process BackupProvider used in standalone mode:
// it tracks the applied configuration hash per repository and restores
// by reverting to the recorded hash.
type LocalBackup struct {
	mu      sync.Mutex
	applied map[string]string // repository -> current config hash
	backups map[string]string // ref -> config hash
}

// NewLocalBackup creates an empty local backup provider.
func NewLocalBackup() *LocalBackup {
	return &LocalBackup{
		applied: make(map[string]string),
		backups: make(map[string]string),
	}
}

func (b *LocalBackup) Create(_ context.Context, repository string) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hash := b.applied[repository]
	if hash == "" {
		hash = hashOf(repository + "@initial")
		b.applied[repository] = hash
	}
	ref := fmt.Sprintf("backup-%s-%d", hash[:8], time.Now().UnixNano())
	b.backups[ref] = hash
	return ref, hash, nil
}

func (b *LocalBackup) Restore(_ context.Context, repository, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	hash, ok := b.backups[ref]
	if !ok {
		return fmt.Errorf("unknown backup ref %s", ref)
	}
	b.applied[repository] = hash
	return nil
}

// Record notes the configuration hash now live on the target. The
// LocalApplier calls it after a successful apply.
func (b *LocalBackup) Record(repository, hash string) {
	b.mu.Lock()
	b.applied[repository] = hash
	b.mu.Unlock()
}

// Current returns the configuration hash live on the target.
func (b *LocalBackup) Current(repository string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied[repository]
}

// LocalApplier is the standalone-mode Applier: the configuration hash
// after an apply is the commit itself.
type LocalApplier struct {
	backup *LocalBackup
}

// NewLocalApplier creates an applier that records applied hashes in the
// shared local backup provider.
func NewLocalApplier(backup *LocalBackup) *LocalApplier {
	return &LocalApplier{backup: backup}
}

func (a *LocalApplier) Apply(_ context.Context, repository, commit string) (string, error) {
	if a.backup != nil {
		a.backup.Record(repository, commit)
	}
	return commit, nil
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
