package state

import (
	"fmt"

	"github.com/google/btree"
)

// indexItem is one (value, key) pairing held in a secondary index's btree,
// ordered by value so scans and range lookups iterate deterministically
// across replicas regardless of insertion order.
type indexItem struct {
	value string
	key   string
}

func (a indexItem) Less(than btree.Item) bool {
	b := than.(indexItem)
	if a.value != b.value {
		return a.value < b.value
	}
	return a.key < b.key
}

// secondaryIndex maps a field's string-formatted value to the set of
// primary keys currently holding that value, backed by an ordered btree so
// membership queries and full scans both iterate in value order.
type secondaryIndex struct {
	tree   *btree.BTree
	unique bool
}

func newSecondaryIndex(unique bool) *secondaryIndex {
	return &secondaryIndex{tree: btree.New(32), unique: unique}
}

func (idx *secondaryIndex) clone() *secondaryIndex {
	out := newSecondaryIndex(idx.unique)
	idx.tree.Ascend(func(item btree.Item) bool {
		out.tree.ReplaceOrInsert(item)
		return true
	})
	return out
}

func (idx *secondaryIndex) add(value, key string) error {
	if idx.unique {
		conflict := false
		idx.tree.AscendGreaterOrEqual(indexItem{value: value}, func(item btree.Item) bool {
			it := item.(indexItem)
			if it.value != value {
				return false
			}
			if it.key != key {
				conflict = true
				return false
			}
			return true
		})
		if conflict {
			return fmt.Errorf("unique index violation for value %q", value)
		}
	}
	idx.tree.ReplaceOrInsert(indexItem{value: value, key: key})
	return nil
}

func (idx *secondaryIndex) remove(value, key string) {
	idx.tree.Delete(indexItem{value: value, key: key})
}

// lookup returns every key currently holding value, in key order.
func (idx *secondaryIndex) lookup(value string) []string {
	var keys []string
	idx.tree.AscendGreaterOrEqual(indexItem{value: value}, func(item btree.Item) bool {
		it := item.(indexItem)
		if it.value != value {
			return false
		}
		keys = append(keys, it.key)
		return true
	})
	return keys
}
