package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"lendpool/core/events"
	"lendpool/core/types"
	"lendpool/observability"
)

// ErrChainBroken is returned by Verify when a stored entry does not link to
// its predecessor or its hash does not match its contents.
var ErrChainBroken = errors.New("journal: hash chain broken")

// Entry is one committed ledger event in the audit journal.
type Entry struct {
	Sequence   uint64 `gorm:"primaryKey;autoIncrement:false"`
	ID         string `gorm:"type:varchar(36);uniqueIndex"`
	Type       string `gorm:"index"`
	Actor      string `gorm:"index"`
	LoanID     uint64 `gorm:"index"`
	EventTime  uint64
	Attributes string
	PrevHash   string `gorm:"type:varchar(64)"`
	Hash       string `gorm:"type:varchar(64)"`
	CreatedAt  time.Time
}

// TableName pins the table name across drivers.
func (Entry) TableName() string { return "journal_entries" }

// Decode returns the event attributes.
func (e Entry) Decode() (map[string]string, error) {
	attrs := map[string]string{}
	if e.Attributes == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("journal: decode entry %d: %w", e.Sequence, err)
	}
	return attrs, nil
}

// Open connects to the journal database. Supported drivers are sqlite and
// postgres.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres", "postgresql":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
}

// Journal appends committed ledger events to a hash-chained table. It
// implements events.Emitter so it can be attached to the engine directly.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seq  uint64
	head [32]byte
}

// New migrates the schema and resumes the chain from the last stored entry.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: db is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: log, now: time.Now}
	var last Entry
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load head: %w", err)
	}
	if last.Sequence > 0 {
		head, err := decodeHash(last.Hash)
		if err != nil {
			return nil, fmt.Errorf("journal: entry %d: %w", last.Sequence, err)
		}
		j.seq = last.Sequence
		j.head = head
	}
	return j, nil
}

// Emit implements events.Emitter. Failures are logged and counted; the ledger
// commit that produced the event is not affected.
func (j *Journal) Emit(evt events.Event) {
	body := events.Unwrap(evt)
	if body == nil {
		return
	}
	_, err := j.Append(context.Background(), body)
	observability.Journal().RecordAppend(err)
	if err != nil {
		j.logger.Error("journal append failed", slog.String("type", body.Type), slog.Any("error", err))
	}
}

// Append stores evt as the next link of the chain.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (*Entry, error) {
	if evt == nil {
		return nil, errors.New("journal: nil event")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := &Entry{
		Sequence:   j.seq + 1,
		ID:         uuid.NewString(),
		Type:       evt.Type,
		Actor:      evt.Attribute("actor"),
		Attributes: string(attrs),
		PrevHash:   hex.EncodeToString(j.head[:]),
		CreatedAt:  j.now().UTC(),
	}
	if raw := evt.Attribute("loanId"); raw != "" {
		entry.LoanID, _ = strconv.ParseUint(raw, 10, 64)
	}
	if raw := evt.Attribute("time"); raw != "" {
		entry.EventTime, _ = strconv.ParseUint(raw, 10, 64)
	}
	hash := linkHash(j.head, entry.Sequence, evt)
	entry.Hash = hex.EncodeToString(hash[:])

	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	j.seq = entry.Sequence
	j.head = hash
	return entry, nil
}

// Head returns the latest sequence number and chain hash.
func (j *Journal) Head() (uint64, [32]byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.head
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	After  uint64
	Limit  int
	Type   string
	Actor  string
	LoanID uint64
}

// List returns entries in sequence order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := j.db.WithContext(ctx).Model(&Entry{}).Where("sequence > ?", filter.After).Order("sequence asc")
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Actor != "" {
		query = query.Where("actor = ?", filter.Actor)
	}
	if filter.LoanID != 0 {
		query = query.Where("loan_id = ?", filter.LoanID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return entries, nil
}

// Verify walks the whole chain and returns the number of verified entries.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	const page = 500
	var (
		prev  [32]byte
		count uint64
	)
	for {
		entries, err := j.List(ctx, Filter{After: count, Limit: page})
		if err != nil {
			return count, err
		}
		for _, entry := range entries {
			if entry.Sequence != count+1 {
				return count, fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, count+1, entry.Sequence)
			}
			if entry.PrevHash != hex.EncodeToString(prev[:]) {
				return count, fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, entry.Sequence)
			}
			attrs, err := entry.Decode()
			if err != nil {
				return count, fmt.Errorf("%w: %v", ErrChainBroken, err)
			}
			want := linkHash(prev, entry.Sequence, &types.Event{Type: entry.Type, Attributes: attrs})
			if entry.Hash != hex.EncodeToString(want[:]) {
				return count, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, entry.Sequence)
			}
			prev = want
			count = entry.Sequence
		}
		if len(entries) < page {
			return count, nil
		}
	}
}

// linkHash commits to the previous head, the sequence number, the event type
// and the attributes in key order.
func linkHash(prev [32]byte, seq uint64, evt *types.Event) [32]byte {
	var buf bytes.Buffer
	buf.Write(prev[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	buf.Write(n[:])
	writeDelimited(&buf, []byte(evt.Type))
	for _, key := range evt.Keys() {
		writeDelimited(&buf, []byte(key))
		writeDelimited(&buf, []byte(evt.Attributes[key]))
	}
	return blake3.Sum256(buf.Bytes())
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

func decodeHash(value string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != len(out) {
		return out, fmt.Errorf("invalid chain hash %q", value)
	}
	copy(out[:], raw)
	return out, nil
}
