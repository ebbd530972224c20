package meta

import "context"

// defaultPageSize bounds how many records one read transaction loads.
const defaultPageSize = 256

// Record is one key/value pair produced by an Iterator.
type Record struct {
	Key   string
	Value []byte
}

// Iterator lazily walks a key range in order. Each page is read in its own
// short read transaction, so a long scan never pins an old snapshot. An
// iterator can be restarted from any key via Resume, typically the last key
// processed before a crash or a cancelled request.
type Iterator struct {
	store    *Store
	prefix   string
	after    string
	pageSize int

	page []Record
	pos  int
	cur  Record
	done bool
	err  error
}

// Scan returns an iterator over every key with the given prefix.
func (s *Store) Scan(prefix string) *Iterator {
	return &Iterator{store: s, prefix: prefix, pageSize: defaultPageSize}
}

// WithPageSize sets the number of records fetched per read transaction.
func (it *Iterator) WithPageSize(n int) *Iterator {
	if n > 0 {
		it.pageSize = n
	}
	return it
}

// Resume restarts the iteration strictly after key.
func (it *Iterator) Resume(after string) *Iterator {
	it.after = after
	it.page = nil
	it.pos = 0
	it.done = false
	it.err = nil
	return it
}

// Next advances to the next record. It returns false at the end of the range
// or on error; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		if err := it.fill(ctx); err != nil {
			it.err = err
			return false
		}
		if len(it.page) == 0 {
			return false
		}
	}
	it.cur = it.page[it.pos]
	it.pos++
	it.after = it.cur.Key
	return true
}

// Record returns the record at the current position.
func (it *Iterator) Record() Record {
	return it.cur
}

// Position returns the last key handed out; pass it to Resume to continue.
func (it *Iterator) Position() string {
	return it.after
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) fill(ctx context.Context) error {
	page := make([]Record, 0, it.pageSize)
	err := it.store.View(ctx, func(tx *Tx) error {
		return tx.ScanFrom(it.prefix, it.after, func(key string, value []byte) error {
			v := make([]byte, len(value))
			copy(v, value)
			page = append(page, Record{Key: key, Value: v})
			if len(page) >= it.pageSize {
				return ErrStopScan
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	it.page = page
	it.pos = 0
	if len(page) < it.pageSize {
		it.done = true
	}
	return nil
}
