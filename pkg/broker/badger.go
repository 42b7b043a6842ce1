package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// badgerRecord is the value stored under a message key
type badgerRecord struct {
	ID           string    `json:"id"`
	Body         []byte    `json:"body"`
	Receipt      string    `json:"receipt,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// BadgerBroker is a persistent single-node queue.
//
// Data lives at queue:{name}:msg:{id}; a visibility index
// queue:{name}:index:{visibleAt}:{id} keeps ready messages first in key order.
type BadgerBroker struct {
	db       *badger.DB
	queue    string
	ownsDB   bool
	interval time.Duration
	now      func() time.Time
}

// OpenBadger opens (or creates) a badger database at dir
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return db, nil
}

// NewBadgerBroker binds queue to db. When ownsDB is set, Close closes db.
func NewBadgerBroker(db *badger.DB, queue string, ownsDB bool) (*BadgerBroker, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	return &BadgerBroker{
		db:       db,
		queue:    queue,
		ownsDB:   ownsDB,
		interval: DefaultPollInterval,
		now:      time.Now,
	}, nil
}

func (b *BadgerBroker) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", b.queue, id))
}

func (b *BadgerBroker) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", b.queue))
}

func (b *BadgerBroker) indexKey(visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", b.queue, visibleAt.UnixNano(), id))
}

func (b *BadgerBroker) parseIndexKey(key []byte) (time.Time, string, error) {
	rest := strings.TrimPrefix(string(key), string(b.indexPrefix()))
	ts, id, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed index key %q", key)
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed index key %q: %w", key, err)
	}
	return time.Unix(0, nanos), id, nil
}

// receipts are "<id>/<nonce>" so Delete and Release can find the record
func receiptID(receipt string) (string, bool) {
	id, _, ok := strings.Cut(receipt, "/")
	return id, ok && id != ""
}

func getRecord(txn *badger.Txn, key []byte) (*badgerRecord, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var rec badgerRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *BadgerBroker) putRecord(txn *badger.Txn, rec *badgerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := txn.Set(b.msgKey(rec.ID), data); err != nil {
		return err
	}
	return txn.Set(b.indexKey(rec.VisibleAt, rec.ID), []byte{})
}

// update runs fn in a read-write transaction, retrying on write conflicts
func (b *BadgerBroker) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Send enqueues body
func (b *BadgerBroker) Send(_ context.Context, body []byte) error {
	now := b.now()
	rec := &badgerRecord{
		ID:         uuid.NewString(),
		Body:       body,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	if err := b.update(func(txn *badger.Txn) error { return b.putRecord(txn, rec) }); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

func (b *BadgerBroker) tryClaim(visibility time.Duration) (*Message, error) {
	var out *Message
	err := b.update(func(txn *badger.Txn) error {
		out = nil
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := b.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := b.now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, id, err := b.parseIndexKey(key)
			if err != nil {
				continue
			}
			// keys sort by timestamp, nothing after this is ready
			if ts.After(now) {
				return nil
			}

			rec, err := getRecord(txn, b.msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// orphaned index entry
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if err := txn.Delete(key); err != nil {
				return err
			}
			rec.ReceiveCount++
			rec.VisibleAt = now.Add(visibility)
			rec.Receipt = rec.ID + "/" + uuid.NewString()
			if err := b.putRecord(txn, rec); err != nil {
				return err
			}

			out = &Message{
				ID:           rec.ID,
				Body:         rec.Body,
				Receipt:      rec.Receipt,
				ReceiveCount: rec.ReceiveCount,
				EnqueuedAt:   rec.EnqueuedAt,
				VisibleAt:    rec.VisibleAt,
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim message: %w", err)
	}
	return out, nil
}

// Receive claims one visible message, polling up to wait
func (b *BadgerBroker) Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error) {
	return pollUntil(ctx, wait, b.interval, func() (*Message, error) {
		return b.tryClaim(visibility)
	})
}

// withLease loads the record held under receipt and passes it to fn
func (b *BadgerBroker) withLease(receipt string, fn func(txn *badger.Txn, rec *badgerRecord) error) error {
	id, ok := receiptID(receipt)
	if !ok {
		return ErrLeaseLost
	}
	return b.update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, b.msgKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}
		if rec.Receipt != receipt {
			return ErrLeaseLost
		}
		if err := txn.Delete(b.indexKey(rec.VisibleAt, rec.ID)); err != nil {
			return err
		}
		return fn(txn, rec)
	})
}

// Delete acknowledges the message held under receipt
func (b *BadgerBroker) Delete(_ context.Context, receipt string) error {
	return b.withLease(receipt, func(txn *badger.Txn, rec *badgerRecord) error {
		return txn.Delete(b.msgKey(rec.ID))
	})
}

// Release makes the message visible again after delay
func (b *BadgerBroker) Release(_ context.Context, receipt string, delay time.Duration) error {
	return b.withLease(receipt, func(txn *badger.Txn, rec *badgerRecord) error {
		rec.Receipt = ""
		rec.VisibleAt = b.now().Add(delay)
		return b.putRecord(txn, rec)
	})
}

// Stats scans the visibility index
func (b *BadgerBroker) Stats(_ context.Context) (Stats, error) {
	var s Stats
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := b.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := b.now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ts, _, err := b.parseIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			if ts.After(now) {
				s.InFlight++
			} else {
				s.Visible++
			}
		}
		return nil
	})
	return s, err
}

// Close closes the database if this broker opened it
func (b *BadgerBroker) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}
