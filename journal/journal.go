// Package journal is an append-only, hash-chained record of every mutating
// operation, kept in a bbolt database with one bucket per instance.
package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/vpnpki/errs"
	"github.com/jmcleod/vpnpki/internal/uuid"
)

// GenesisHash anchors the first entry of every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Action names a journaled operation.
type Action string

const (
	ActionInit             Action = "instance_initialized"
	ActionClientAdded      Action = "client_added"
	ActionClientRevoked    Action = "client_revoked"
	ActionCRLRefreshed     Action = "crl_refreshed"
	ActionBackupCreated    Action = "backup_created"
	ActionSnapshotRestored Action = "snapshot_restored"
	ActionContainerStarted Action = "container_started"
	ActionContainerStopped Action = "container_stopped"
)

// Outcome of a journaled operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one journal record. PrevHash links it to the entry before it.
type Entry struct {
	ID        string  `json:"id"`
	Instance  string  `json:"instance"`
	Action    Action  `json:"action"`
	Subject   string  `json:"subject,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
	CreatedAt string  `json:"created_at"`
	PrevHash  string  `json:"prev_hash"`
}

// ChainHash computes the link to the entry after e:
// SHA-256(id || prev_hash || created_at).
func ChainHash(id, prevHash, createdAt string) string {
	h := sha256.Sum256([]byte(id + prevHash + createdAt))
	return hex.EncodeToString(h[:])
}

// Journal is a bbolt-backed journal.
type Journal struct {
	db     *bbolt.DB
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Journal.
type Option func(*options)

type options struct {
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// WithTimeout bounds how long Open waits for the database file lock.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open opens or creates the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	o := options{timeout: 5 * time.Second, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, errs.E("journal.open", errs.StoreUnavailable, fmt.Errorf("opening %s: %w", path, err))
	}
	return &Journal{db: db, now: o.now, logger: o.logger.With("component", "journal")}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append links e to the end of its instance's chain and stores it. ID,
// CreatedAt and PrevHash are assigned here.
func (j *Journal) Append(e Entry) (Entry, error) {
	const op = "journal.append"
	if e.Instance == "" {
		return Entry{}, errs.Errorf(op, errs.InvalidInput, "entry has no instance")
	}
	e.ID = uuid.New()
	e.CreatedAt = j.now().UTC().Format(time.RFC3339Nano)

	err := j.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(e.Instance))
		if err != nil {
			return err
		}
		e.PrevHash = GenesisHash
		if _, last := b.Cursor().Last(); last != nil {
			var prev Entry
			if err := json.Unmarshal(last, &prev); err != nil {
				return fmt.Errorf("decoding chain head: %w", err)
			}
			e.PrevHash = ChainHash(prev.ID, prev.PrevHash, prev.CreatedAt)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return Entry{}, errs.E(op, errs.StoreUnavailable, err)
	}
	j.logger.Debug("journal entry appended", "instance", e.Instance, "action", e.Action, "outcome", e.Outcome)
	return e, nil
}

// List returns the chain of instance in append order.
func (j *Journal) List(instance string) ([]Entry, error) {
	entries := []Entry{}
	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(instance))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, errs.E("journal.list", errs.StoreUnavailable, err)
	}
	return entries, nil
}

// Verify checks the stored chain of instance.
func (j *Journal) Verify(instance string) (Result, error) {
	entries, err := j.List(instance)
	if err != nil {
		return Result{}, err
	}
	return VerifyChain(instance, entries), nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
