package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"nutjar/cashu"
	"nutjar/cashu/nuts/nut07"
	"nutjar/crypto"
)

const (
	proofsBucket   = "proofs"
	countersBucket = "counters"
	keysetsBucket  = "keysets"
)

// errReserveConflict aborts a reservation transaction so that
// bbolt rolls back any state flips already applied in it.
var errReserveConflict = errors.New("proof not unspent")

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "nutjar.db"), 0600,
		&bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initBuckets(); err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}
	return boltdb, nil
}

func (db *BoltDB) initBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(proofsBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(countersBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(keysetsBucket))
		return err
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) PutProofs(walletId string, proofs cashu.Proofs, state nut07.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		walletBucket, err := tx.Bucket([]byte(proofsBucket)).
			CreateBucketIfNotExists([]byte(walletId))
		if err != nil {
			return err
		}

		for _, proof := range proofs {
			record := ProofRecord{Proof: proof, State: state}
			jsonProof, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := walletBucket.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) ListProofs(walletId string, state nut07.State) (cashu.Proofs, error) {
	records, err := db.AllProofs(walletId)
	if err != nil {
		return nil, err
	}

	proofs := cashu.Proofs{}
	for _, record := range records {
		if record.State == state {
			proofs = append(proofs, record.Proof)
		}
	}
	return proofs, nil
}

func (db *BoltDB) AllProofs(walletId string) (ProofRecords, error) {
	records := ProofRecords{}

	err := db.bolt.View(func(tx *bolt.Tx) error {
		walletBucket := tx.Bucket([]byte(proofsBucket)).Bucket([]byte(walletId))
		if walletBucket == nil {
			return nil
		}

		c := walletBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record ProofRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("error reading proof: %v", err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Reserve does the state check and the flip to PENDING inside a single
// write transaction. bbolt serializes writers, so two concurrent melt
// attempts cannot both see the same proof as UNSPENT.
func (db *BoltDB) Reserve(walletId string, secrets []string) (bool, error) {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		walletBucket := tx.Bucket([]byte(proofsBucket)).Bucket([]byte(walletId))
		if walletBucket == nil {
			return errReserveConflict
		}

		for _, secret := range secrets {
			v := walletBucket.Get([]byte(secret))
			if v == nil {
				return errReserveConflict
			}

			var record ProofRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("error reading proof: %v", err)
			}
			if record.State != nut07.Unspent {
				return errReserveConflict
			}

			record.State = nut07.Pending
			jsonProof, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := walletBucket.Put([]byte(secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})

	if errors.Is(err, errReserveConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *BoltDB) Commit(walletId string, secrets []string, state nut07.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		walletBucket := tx.Bucket([]byte(proofsBucket)).Bucket([]byte(walletId))
		if walletBucket == nil {
			return fmt.Errorf("unknown wallet '%v'", walletId)
		}

		for _, secret := range secrets {
			v := walletBucket.Get([]byte(secret))
			if v == nil {
				return fmt.Errorf("unknown proof for secret '%v'", secret)
			}

			var record ProofRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("error reading proof: %v", err)
			}

			record.State = state
			jsonProof, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := walletBucket.Put([]byte(secret), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Wallets() ([]string, error) {
	wallets := []string{}

	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(proofsBucket)).ForEachBucket(func(k []byte) error {
			wallets = append(wallets, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return wallets, nil
}

func counterKey(walletId, keysetId string) []byte {
	return []byte(walletId + ":" + keysetId)
}

func (db *BoltDB) Counter(walletId, keysetId string) (uint32, error) {
	var counter uint32
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(countersBucket)).Get(counterKey(walletId, keysetId))
		if v != nil {
			counter = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	return counter, err
}

func (db *BoltDB) SetCounter(walletId, keysetId string, counter uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return putCounter(tx, walletId, keysetId, counter)
	})
}

func (db *BoltDB) IncrementCounter(walletId, keysetId string, n uint32) (uint32, error) {
	var counter uint32
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(countersBucket)).Get(counterKey(walletId, keysetId))
		if v != nil {
			counter = binary.BigEndian.Uint32(v)
		}
		return putCounter(tx, walletId, keysetId, counter+n)
	})
	if err != nil {
		return 0, err
	}
	return counter, nil
}

func putCounter(tx *bolt.Tx, walletId, keysetId string, counter uint32) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, counter)
	return tx.Bucket([]byte(countersBucket)).Put(counterKey(walletId, keysetId), v)
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		mintBucket, err := tx.Bucket([]byte(keysetsBucket)).
			CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() (map[string]map[string]crypto.WalletKeyset, error) {
	keysets := make(map[string]map[string]crypto.WalletKeyset)

	err := db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(keysetsBucket))
		return b.ForEachBucket(func(mintURL []byte) error {
			mintKeysets := make(map[string]crypto.WalletKeyset)
			c := b.Bucket(mintURL).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var keyset crypto.WalletKeyset
				if err := json.Unmarshal(v, &keyset); err != nil {
					return fmt.Errorf("error reading keyset: %v", err)
				}
				mintKeysets[string(k)] = keyset
			}
			keysets[string(mintURL)] = mintKeysets
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return keysets, nil
}
