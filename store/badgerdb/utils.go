package badgerdb

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/timshannon/badgerhold/v4"
)

// createDB opens a badgerhold store and, for disk-backed stores, starts the
// value log GC loop. The returned stop func terminates the loop and must be
// called before the store is closed.
func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, func(), error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, nil, err
	}

	stopGC := func() {}

	if !isInMemory {
		ticker := time.NewTicker(30 * time.Minute)
		done := make(chan struct{})
		var once sync.Once
		stopGC = func() {
			once.Do(func() {
				ticker.Stop()
				close(done)
			})
		}

		go func() {
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := db.Badger().RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
						if logger != nil {
							logger.Errorf("%s", err)
						}
					}
				}
			}
		}()
	}

	return db, stopGC, nil
}
