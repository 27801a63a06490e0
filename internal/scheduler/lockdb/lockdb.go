package lockdb

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/stokerproject/stoker/internal/common/stokererrors"
)

const (
	locksTable    = "locks"
	idIndex       = "id"       // unique (resource, job) pair
	resourceIndex = "resource" // all grants on a resource
	jobIndex      = "job"      // all grants held by a job
)

// Mode is the access mode of a lock request. WRITE excludes every other
// grant on the resource; any number of READ grants may coexist.
type Mode string

const (
	ModeRead  Mode = "READ"
	ModeWrite Mode = "WRITE"
)

func (m Mode) Valid() bool {
	return m == ModeRead || m == ModeWrite
}

// Request names one resource a job needs and the mode it needs it in.
// A job's requests are fixed at submission time.
type Request struct {
	Resource string `json:"resource"`
	Mode     Mode   `json:"mode"`
}

func (r Request) String() string {
	return fmt.Sprintf("%s(%s)", r.Resource, r.Mode)
}

// grant is one (resource, job) row. Rows stored in the db must never be
// mutated in place; grants are only ever inserted and deleted whole.
type grant struct {
	Resource string
	JobID    int64
	Mode     Mode
}

// LockDb is the in-memory resource lock table. It is implemented on top of
// github.com/hashicorp/go-memdb so that acquiring a group of locks is a
// single write transaction: either every requested grant is inserted and the
// transaction commits, or the transaction aborts and nothing is granted.
//
// The table is not persisted. It is rebuilt at startup from the resource
// requests of jobs recorded in EXECUTE, which is why the store must always
// know about claimed resources before a worker exists (and must forget them
// only after the exit is durable).
type LockDb struct {
	db *memdb.MemDB
}

func New() (*LockDb, error) {
	db, err := memdb.NewMemDB(lockDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &LockDb{db: db}, nil
}

// TryAcquire grants every request to jobID or none of them. On conflict it
// returns a *stokererrors.ErrAdmissionConflict naming the first blocking
// grant; the caller treats this as transient, not as a failure.
//
// Re-acquiring grants the job already holds in the same mode is a no-op, so
// a second recovery pass over the same EXECUTE jobs changes nothing.
func (l *LockDb) TryAcquire(jobID int64, requests []Request) error {
	txn := l.db.Txn(true)
	defer txn.Abort()

	for _, request := range requests {
		held, err := l.blockingGrant(txn, jobID, request)
		if err != nil {
			return err
		}
		if held != nil {
			return &stokererrors.ErrAdmissionConflict{
				JobID:     jobID,
				Resource:  request.Resource,
				Requested: string(request.Mode),
				HolderID:  held.JobID,
				Held:      string(held.Mode),
			}
		}
		if err := txn.Insert(locksTable, &grant{
			Resource: request.Resource,
			JobID:    jobID,
			Mode:     request.Mode,
		}); err != nil {
			return errors.WithStack(err)
		}
	}

	txn.Commit()
	return nil
}

// blockingGrant returns the first existing grant incompatible with request,
// or nil if the request is currently grantable. Grants held by jobID itself
// in the requested mode do not block (idempotent re-acquisition).
func (l *LockDb) blockingGrant(txn *memdb.Txn, jobID int64, request Request) (*grant, error) {
	iter, err := txn.Get(locksTable, resourceIndex, request.Resource)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		held := obj.(*grant)
		if held.JobID == jobID && held.Mode == request.Mode {
			continue
		}
		if request.Mode == ModeWrite || held.Mode == ModeWrite {
			return held, nil
		}
	}
	return nil, nil
}

// Release removes every grant held by jobID in one atomic step and returns
// the names of the resources that were freed. Releasing a job that holds
// nothing is a no-op.
func (l *LockDb) Release(jobID int64) ([]string, error) {
	txn := l.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(locksTable, jobIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var held []*grant
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		held = append(held, obj.(*grant))
	}

	released := make([]string, 0, len(held))
	for _, g := range held {
		if err := txn.Delete(locksTable, g); err != nil {
			return nil, errors.WithStack(err)
		}
		released = append(released, g.Resource)
	}

	txn.Commit()
	return released, nil
}

// Held returns the requests currently granted to jobID.
func (l *LockDb) Held(jobID int64) ([]Request, error) {
	txn := l.db.Txn(false)
	iter, err := txn.Get(locksTable, jobIndex, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var requests []Request
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		g := obj.(*grant)
		requests = append(requests, Request{Resource: g.Resource, Mode: g.Mode})
	}
	return requests, nil
}

// Count returns the total number of grants in the table.
func (l *LockDb) Count() int {
	txn := l.db.Txn(false)
	iter, err := txn.Get(locksTable, idIndex)
	if err != nil {
		return 0
	}
	n := 0
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		n++
	}
	return n
}

// Snapshot returns every grant as (resource, jobID, mode) triples for
// logging and metrics.
func (l *LockDb) Snapshot() map[string]map[int64]Mode {
	txn := l.db.Txn(false)
	snapshot := map[string]map[int64]Mode{}
	iter, err := txn.Get(locksTable, idIndex)
	if err != nil {
		return snapshot
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		g := obj.(*grant)
		holders, ok := snapshot[g.Resource]
		if !ok {
			holders = map[int64]Mode{}
			snapshot[g.Resource] = holders
		}
		holders[g.JobID] = g.Mode
	}
	return snapshot
}

// lockDbSchema creates the database schema: a single locks table with one
// row per (resource, job) grant.
func lockDbSchema() *memdb.DBSchema {
	indexes := map[string]*memdb.IndexSchema{
		idIndex: {
			Name:   idIndex,
			Unique: true,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "Resource"},
					&memdb.IntFieldIndex{Field: "JobID"},
				},
			},
		},
		resourceIndex: {
			Name:    resourceIndex,
			Unique:  false,
			Indexer: &memdb.StringFieldIndex{Field: "Resource"},
		},
		jobIndex: {
			Name:    jobIndex,
			Unique:  false,
			Indexer: &memdb.IntFieldIndex{Field: "JobID"},
		},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			locksTable: {
				Name:    locksTable,
				Indexes: indexes,
			},
		},
	}
}
