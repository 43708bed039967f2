package peer

import (
	"encoding/json"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/drep-project/discoro/location"
)

// Store persists the address book — (addr, port, auth, name) tuples only,
// never message payloads — across restarts, so a restarted instance can
// redial previously-known peers before the next UDP broadcast round.
type Store struct {
	db *leveldb.DB
}

// Record is one remembered peer.
type Record struct {
	Addr string
	Port uint16
	Auth string
	Name string
}

// OpenStore opens (creating if absent) the leveldb address book rooted at
// dir/peerdb.
func OpenStore(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(filepath.Join(dir, "peerdb"), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying leveldb handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(loc location.Location) []byte {
	return []byte(loc.String())
}

// Put remembers rec, keyed by its (addr, port).
func (s *Store) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	loc := location.Location{Addr: rec.Addr, Port: rec.Port}
	return s.db.Put(key(loc), data, nil)
}

// Delete forgets the peer at loc.
func (s *Store) Delete(loc location.Location) error {
	return s.db.Delete(key(loc), nil)
}

// All returns every remembered peer.
func (s *Store) All() ([]Record, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	var out []Record
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}
