package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	transfersBucket = "transfers"
	piecesBucket    = "pieces"
	metadataBucket  = "metadata"
	schemaVersion   = 1
)

// ErrStoreClosed indicates an operation on a closed store.
var ErrStoreClosed = errors.New("store closed")

// TransferRecord is the persisted descriptor of one incoming transfer.
type TransferRecord struct {
	ID          string   `json:"id"`
	SourceNode  string   `json:"source_node"`
	IsBroadcast bool     `json:"is_broadcast"`
	Filename    string   `json:"filename"`
	TotalSize   uint64   `json:"total_size"`
	PieceSize   uint32   `json:"piece_size"`
	MerkleRoot  string   `json:"merkle_root,omitempty"`
	PieceHashes []string `json:"piece_hashes,omitempty"`
}

// StoredTransfer is a persisted transfer with whatever pieces had arrived.
type StoredTransfer struct {
	Record TransferRecord
	Pieces map[uint32][]byte
}

// BoltStore persists partial transfer state in a bbolt database so an
// interrupted receiver can resume after restart instead of re-fetching
// every piece.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(transfersBucket)); err != nil {
			return fmt.Errorf("creating transfers bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(piecesBucket)); err != nil {
			return fmt.Errorf("creating pieces bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("creating metadata bucket: %w", err)
		}
		return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// SaveDescriptor persists the transfer descriptor, replacing any previous
// record and pieces under the same ID (a duplicate FileStart restarts the
// transfer).
func (s *BoltStore) SaveDescriptor(rec *TransferRecord) error {
	if rec == nil {
		return errors.New("cannot save nil transfer record")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling transfer record: %w", err)
		}
		if err := tx.Bucket([]byte(transfersBucket)).Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("saving transfer record: %w", err)
		}
		pieces := tx.Bucket([]byte(piecesBucket))
		if pieces.Bucket([]byte(rec.ID)) != nil {
			if err := pieces.DeleteBucket([]byte(rec.ID)); err != nil {
				return fmt.Errorf("resetting pieces: %w", err)
			}
		}
		_, err = pieces.CreateBucket([]byte(rec.ID))
		return err
	})
}

// SavePiece persists one received piece for a transfer.
func (s *BoltStore) SavePiece(id string, index uint32, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(piecesBucket)).Bucket([]byte(id))
		if bucket == nil {
			return fmt.Errorf("no piece bucket for transfer %s", id)
		}
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, index)
		return bucket.Put(key, data)
	})
}

// DeletePiece removes one persisted piece, used when verification evicts it.
func (s *BoltStore) DeletePiece(id string, index uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(piecesBucket)).Bucket([]byte(id))
		if bucket == nil {
			return nil
		}
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, index)
		return bucket.Delete(key)
	})
}

// DeleteTransfer removes a transfer's record and all its pieces.
func (s *BoltStore) DeleteTransfer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(transfersBucket)).Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting transfer record: %w", err)
		}
		pieces := tx.Bucket([]byte(piecesBucket))
		if pieces.Bucket([]byte(id)) != nil {
			if err := pieces.DeleteBucket([]byte(id)); err != nil {
				return fmt.Errorf("deleting pieces: %w", err)
			}
		}
		return nil
	})
}

// LoadAll returns every persisted transfer with its pieces.
func (s *BoltStore) LoadAll() ([]StoredTransfer, error) {
	var out []StoredTransfer
	err := s.db.View(func(tx *bolt.Tx) error {
		transfers := tx.Bucket([]byte(transfersBucket))
		pieces := tx.Bucket([]byte(piecesBucket))

		return transfers.ForEach(func(k, v []byte) error {
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshalling transfer %s: %w", k, err)
			}

			st := StoredTransfer{Record: rec, Pieces: make(map[uint32][]byte)}
			if bucket := pieces.Bucket(k); bucket != nil {
				err := bucket.ForEach(func(pk, pv []byte) error {
					if len(pk) != 4 {
						return fmt.Errorf("bad piece key length %d", len(pk))
					}
					data := make([]byte, len(pv))
					copy(data, pv)
					st.Pieces[binary.BigEndian.Uint32(pk)] = data
					return nil
				})
				if err != nil {
					return err
				}
			}
			out = append(out, st)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
