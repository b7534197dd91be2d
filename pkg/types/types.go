package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Timestamp is a commit point in the document log. Timestamps are minted by
// the committer as nanoseconds and are monotone per backend: a later commit
// always receives a strictly greater timestamp.
type Timestamp int64

// MaxTimestamp is the greatest representable timestamp.
const MaxTimestamp = Timestamp(1<<63 - 1)

// TimestampFromTime converts a wall-clock time to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixNano())
}

// Time converts the timestamp back to wall-clock time.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t))
}

// Succ returns the next timestamp after t.
func (t Timestamp) Succ() Timestamp {
	if t == MaxTimestamp {
		return t
	}
	return t + 1
}

// TimestampRange bounds a log read. Start is inclusive, End is exclusive.
type TimestampRange struct {
	Start Timestamp
	End   Timestamp
}

// AllTime returns a range covering the whole log.
func AllTime() TimestampRange {
	return TimestampRange{Start: 0, End: MaxTimestamp}
}

// GreaterThan returns the range (ts, max].
func GreaterThan(ts Timestamp) TimestampRange {
	return TimestampRange{Start: ts + 1, End: MaxTimestamp}
}

// AtOrAfter returns the range [ts, max].
func AtOrAfter(ts Timestamp) TimestampRange {
	return TimestampRange{Start: ts, End: MaxTimestamp}
}

// Span returns the half-open range (start, end].
func Span(start, end Timestamp) TimestampRange {
	return TimestampRange{Start: start + 1, End: end + 1}
}

// Contains reports whether ts falls inside the range.
func (r TimestampRange) Contains(ts Timestamp) bool {
	return ts >= r.Start && ts < r.End
}

// TabletID is the stable identity of a storage table. Table names and table
// numbers can be remapped without rewriting rows; the tablet id never changes.
type TabletID [16]byte

// NewTabletID mints a fresh tablet id.
func NewTabletID() TabletID {
	return TabletID(uuid.New())
}

// ParseTabletID decodes the canonical string form of a tablet id.
func ParseTabletID(s string) (TabletID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TabletID{}, fmt.Errorf("invalid tablet id %q: %w", s, err)
	}
	return TabletID(u), nil
}

func (t TabletID) String() string {
	return uuid.UUID(t).String()
}

// Bytes returns the raw 16-byte form used by the persistence backend.
func (t TabletID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, t[:])
	return b
}

// InternalID is the 16-byte opaque identifier of a document within its tablet.
type InternalID [16]byte

// NewInternalID mints a fresh internal id.
func NewInternalID() InternalID {
	return InternalID(uuid.New())
}

func (id InternalID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Bytes returns the raw 16-byte form used by the persistence backend.
func (id InternalID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// Compare orders internal ids lexicographically by their byte form.
func (id InternalID) Compare(other InternalID) int {
	return bytes.Compare(id[:], other[:])
}

// DocumentID identifies one document: the tablet holding it plus the
// document's internal id.
type DocumentID struct {
	Tablet   TabletID
	Internal InternalID
}

// EncodeDocumentID renders a document id in its external string form,
// base64url over tablet || internal. The tablet is recoverable from the
// string, which is what lets the schema validator check Id(table) fields.
func EncodeDocumentID(id DocumentID) string {
	raw := make([]byte, 32)
	copy(raw[:16], id.Tablet[:])
	copy(raw[16:], id.Internal[:])
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeDocumentID parses the external string form back into a DocumentID.
func DecodeDocumentID(s string) (DocumentID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return DocumentID{}, fmt.Errorf("invalid document id %q", s)
	}
	var id DocumentID
	copy(id.Tablet[:], raw[:16])
	copy(id.Internal[:], raw[16:])
	return id, nil
}

func (id DocumentID) String() string {
	return EncodeDocumentID(id)
}

// Compare orders document ids by (tablet, internal), matching the backend's
// (table_id, id) column order.
func (id DocumentID) Compare(other DocumentID) int {
	if c := bytes.Compare(id.Tablet[:], other.Tablet[:]); c != 0 {
		return c
	}
	return id.Internal.Compare(other.Internal)
}

// DocumentLogEntry is one revision of one document in the append-only log.
// Value is nil iff the revision is a tombstone. PrevTS links to the
// immediately preceding revision of the same id, if any.
type DocumentLogEntry struct {
	TS     Timestamp
	ID     DocumentID
	Value  *Value
	PrevTS *Timestamp
}

// IsTombstone reports whether this revision deletes the document.
func (d *DocumentLogEntry) IsTombstone() bool {
	return d.Value == nil
}

// MaxIndexKeyPrefixLen is how many leading key bytes are stored in the
// indexed key_prefix column. Keys longer than this spill the remainder into
// key_suffix and rely on key_sha256 to disambiguate prefix collisions.
const MaxIndexKeyPrefixLen = 2500

// IndexKey is the full order-preserving key bytes of one index entry.
type IndexKey []byte

// Split breaks a key into the indexed prefix and the overflow suffix.
// The suffix is nil for keys that fit entirely in the prefix.
func (k IndexKey) Split() (prefix []byte, suffix []byte) {
	if len(k) <= MaxIndexKeyPrefixLen {
		return k, nil
	}
	return k[:MaxIndexKeyPrefixLen], k[MaxIndexKeyPrefixLen:]
}

// SHA256 hashes the full key, prefix and suffix together. The hash is part
// of the backend primary key so that long keys sharing a prefix stay
// distinct rows.
func (k IndexKey) SHA256() [32]byte {
	return sha256.Sum256(k)
}

// IndexID identifies one secondary index.
type IndexID [16]byte

// NewIndexID mints a fresh index id.
func NewIndexID() IndexID {
	return IndexID(uuid.New())
}

func (id IndexID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the raw 16-byte form used by the persistence backend.
func (id IndexID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// IndexEntry is one row of the secondary index log. A tombstone entry means
// the key is no longer present at or after its ts; tombstones carry no
// document reference.
type IndexEntry struct {
	IndexID   IndexID
	Key       IndexKey
	TS        Timestamp
	Tombstone bool
	DocID     *DocumentID
}

// IndexUpdate pairs an index entry with the commit timestamp it lands at.
type IndexUpdate struct {
	TS    Timestamp
	Entry IndexEntry
}

// Interval is a half-open key range [Start, End) for index scans. A nil End
// means unbounded above; an empty Start means unbounded below.
type Interval struct {
	Start []byte
	End   []byte
}

// Contains reports whether key falls inside the interval.
func (iv Interval) Contains(key []byte) bool {
	if bytes.Compare(key, iv.Start) < 0 {
		return false
	}
	return iv.End == nil || bytes.Compare(key, iv.End) < 0
}

// Order selects scan direction.
type Order int

const (
	Asc Order = iota
	Desc
)

func (o Order) String() string {
	if o == Desc {
		return "DESC"
	}
	return "ASC"
}

// ConflictStrategy selects how Write treats primary-key collisions.
type ConflictStrategy int

const (
	// ConflictError fails the whole batch on any collision.
	ConflictError ConflictStrategy = iota
	// ConflictOverwrite replaces any existing row with the same key.
	ConflictOverwrite
)

// MaxInsertSize caps the number of rows accepted by a single Write call.
const MaxInsertSize = 16384

// PersistenceGlobalKey names a row in the persistence_globals KV table.
type PersistenceGlobalKey string

const (
	// GlobalRetentionMinSnapshotTS holds the retention floor as a JSON i64.
	// Readers may not observe revisions older than this timestamp.
	GlobalRetentionMinSnapshotTS PersistenceGlobalKey = "RetentionMinSnapshotTimestamp"
)

// DocumentPrevTSQuery asks for the revision of a document strictly before a
// timestamp, or at an exact known prev_ts.
type DocumentPrevTSQuery struct {
	ID     DocumentID
	TS     Timestamp
	PrevTS Timestamp
}
