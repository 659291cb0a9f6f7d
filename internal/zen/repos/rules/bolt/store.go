package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/anassk/zenflowd/internal/zen/domain"
	"github.com/anassk/zenflowd/internal/zen/repos/rules"
)

var (
	bucketRuleSets = []byte("rulesets")
	bucketMeta     = []byte("rules_meta")

	keyActive  = []byte("active")
	keyVersion = []byte("version")
)

// persister implements rules.Persister on a bbolt database. Rule sets are
// stored as JSON under their name; the active-set name and the mutation
// counter live in a separate meta bucket. The database handle is shared
// with the history repo and owned by the caller.
type persister struct {
	db *bbolt.DB
}

// New ensures the rule buckets exist on db and returns the persister.
func New(db *bbolt.DB) (rules.Persister, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRuleSets); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("creating rule buckets: %w", err)
	}
	return &persister{db: db}, nil
}

// SaveRuleSet writes rs as JSON under its name.
func (p *persister) SaveRuleSet(rs domain.RuleSet) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encoding rule set %q: %w", rs.Name, err)
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuleSets).Put([]byte(rs.Name), data)
	})
}

// SaveMeta writes the active-set name and version counter.
func (p *persister) SaveMeta(m rules.Meta) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(keyActive, []byte(m.Active)); err != nil {
			return err
		}
		vbuf := make([]byte, 8)
		binary.BigEndian.PutUint64(vbuf, m.Version)
		return b.Put(keyVersion, vbuf)
	})
}

// LoadAll reads every persisted rule set and the store meta. A fresh
// database yields an empty slice and zero meta.
func (p *persister) LoadAll() ([]domain.RuleSet, rules.Meta, error) {
	var (
		sets []domain.RuleSet
		meta rules.Meta
	)
	err := p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuleSets)
		if err := b.ForEach(func(k, v []byte) error {
			var rs domain.RuleSet
			if err := json.Unmarshal(v, &rs); err != nil {
				return fmt.Errorf("decoding rule set %q: %w", k, err)
			}
			sets = append(sets, rs)
			return nil
		}); err != nil {
			return err
		}

		mb := tx.Bucket(bucketMeta)
		if v := mb.Get(keyActive); v != nil {
			meta.Active = string(v)
		}
		if v := mb.Get(keyVersion); len(v) == 8 {
			meta.Version = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		return nil, rules.Meta{}, err
	}
	return sets, meta, nil
}

// Close is a no-op: the shared database handle is closed by its owner.
func (p *persister) Close() error { return nil }

var _ rules.Persister = (*persister)(nil)
