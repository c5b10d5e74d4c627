package persistence

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	rocks "github.com/tecbot/gorocksdb"

	"github.com/kvreplica/kvreplica/protocol"
)

// RocksDB is the production Collaborator: every Request is applied to an
// embedded RocksDB instance with a synchronous flush, then acknowledged.
// Unlike Flaky, it injects no drops or crashes; a write that fails is
// logged and left unacknowledged, and an acknowledgement is discarded if
// ReplyTo cannot take it at once. It exists to give
// the otherwise-abstract persistence device a concrete, durable backing
// store, the way consumer/store-rocksdb backs a gazette shard's recovery
// log.
type RocksDB struct {
	db     *rocks.DB
	wo     *rocks.WriteOptions
	ro     *rocks.ReadOptions
	reqCh  chan Request
	doneCh chan struct{}
	log    *log.Entry
}

// OpenRocksDB creates (if needed) and opens a RocksDB instance rooted at
// dir, and starts its single-goroutine write loop.
func OpenRocksDB(dir string) (*RocksDB, error) {
	var opts = rocks.NewDefaultOptions()
	opts.SetCreateIfMissing(true)

	db, err := rocks.OpenDb(opts, dir)
	if err != nil {
		return nil, errors.WithMessage(err, "opening rocksdb")
	}

	var r = &RocksDB{
		db:     db,
		wo:     rocks.NewDefaultWriteOptions(),
		ro:     rocks.NewDefaultReadOptions(),
		reqCh:  make(chan Request, 64),
		doneCh: make(chan struct{}),
		log:    log.WithFields(log.Fields{"component": "persistence.RocksDB", "dir": dir}),
	}
	r.wo.SetSync(true)

	go r.run()
	return r, nil
}

func (r *RocksDB) Submit(req Request) {
	select {
	case r.reqCh <- req:
	case <-r.doneCh:
	}
}

func (r *RocksDB) Done() <-chan struct{} { return r.doneCh }

func (r *RocksDB) run() {
	defer close(r.doneCh)

	for req := range r.reqCh {
		var err error
		if req.Value == nil {
			err = r.db.Delete(r.wo, []byte(req.Key))
		} else {
			err = r.db.Put(r.wo, []byte(req.Key), []byte(*req.Value))
		}
		if err != nil {
			r.log.WithError(err).WithField("key", req.Key).Warn("rocksdb write failed")
			continue
		}
		if req.ReplyTo != nil {
			select {
			case req.ReplyTo <- protocol.Persisted{Key: req.Key, Correlation: req.Correlation}:
			default:
			}
		}
	}
}

// Get reads key directly from the backing store, bypassing the write
// queue. Used only by tests to assert on-disk state independent of the
// in-memory store.Map.
func (r *RocksDB) Get(key protocol.Key) (protocol.Value, bool, error) {
	slice, err := r.db.Get(r.ro, []byte(key))
	if err != nil {
		return "", false, err
	}
	defer slice.Free()

	if !slice.Exists() {
		return "", false, nil
	}
	return string(slice.Data()), true, nil
}

// Close drains pending writes and releases the RocksDB handle. Must only
// be called once the owning Proxy has been stopped.
func (r *RocksDB) Close() {
	close(r.reqCh)
	<-r.doneCh
	r.wo.Destroy()
	r.ro.Destroy()
	r.db.Close()
}
