package crdt

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"
)

type lwwEntry struct {
	Value     []byte `codec:"v"`
	Timestamp int64  `codec:"ts"`
	Node      string `codec:"n"`
	Deleted   bool   `codec:"d"`
}

// after returns whether e wins over o. Entries are totally ordered by
// timestamp, then writing node, then tombstone, then value.
func (e lwwEntry) after(o lwwEntry) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp > o.Timestamp
	}
	if e.Node != o.Node {
		return e.Node > o.Node
	}
	if e.Deleted != o.Deleted {
		return e.Deleted
	}
	return bytes.Compare(e.Value, o.Value) > 0
}

// LWWMap is a last-writer-wins map from string keys to byte values. Deleted
// keys are kept as tombstones so a delete is not undone by an older write.
type LWWMap struct {
	entries map[string]lwwEntry
}

func NewLWWMap() *LWWMap {
	return &LWWMap{entries: make(map[string]lwwEntry)}
}

// Get returns the value of key and whether it is set.
func (m *LWWMap) Get(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Keys returns the set keys in sorted order.
func (m *LWWMap) Keys() []string {
	var keys []string
	for k, e := range m.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *LWWMap) Len() int {
	return len(m.Keys())
}

// Set returns the delta that sets key to value, written by node at ts.
func (m *LWWMap) Set(key string, value []byte, ts time.Time, node string) *LWWMap {
	return &LWWMap{entries: map[string]lwwEntry{
		key: {Value: value, Timestamp: ts.UnixNano(), Node: node},
	}}
}

// Delete returns the delta that deletes key, written by node at ts.
func (m *LWWMap) Delete(key string, ts time.Time, node string) *LWWMap {
	return &LWWMap{entries: map[string]lwwEntry{
		key: {Timestamp: ts.UnixNano(), Node: node, Deleted: true},
	}}
}

func (m *LWWMap) Merge(other Payload) (Payload, error) {
	o, ok := other.(*LWWMap)
	if !ok {
		return nil, fmt.Errorf("%w: lwwmap: %T", ErrIncompatible, other)
	}
	merged := make(map[string]lwwEntry, max(len(m.entries), len(o.entries)))
	for k, e := range m.entries {
		merged[k] = e
	}
	for k, e := range o.entries {
		if cur, ok := merged[k]; !ok || e.after(cur) {
			merged[k] = e
		}
	}
	return &LWWMap{entries: merged}, nil
}

// Split distributes the entries, including tombstones, across up to n maps.
func (m *LWWMap) Split(n int) []Payload {
	keys := slices.Sorted(maps.Keys(m.entries))
	parts := make([]*LWWMap, min(max(n, 1), len(keys)))
	for i, key := range keys {
		p := parts[i%len(parts)]
		if p == nil {
			p = NewLWWMap()
			parts[i%len(parts)] = p
		}
		p.entries[key] = m.entries[key]
	}
	return toPayloads(parts)
}

func (m *LWWMap) MarshalBinary() ([]byte, error) {
	entries := m.entries
	if entries == nil {
		entries = map[string]lwwEntry{}
	}
	return encode(entries)
}

type LWWMapType struct{}

func (LWWMapType) Name() string {
	return "lwwmap"
}

func (LWWMapType) Empty() Payload {
	return NewLWWMap()
}

func (LWWMapType) Unmarshal(b []byte) (Payload, error) {
	var entries map[string]lwwEntry
	if err := decode(b, &entries); err != nil {
		return nil, fmt.Errorf("decode lwwmap: %w", err)
	}
	if entries == nil {
		entries = make(map[string]lwwEntry)
	}
	return &LWWMap{entries: entries}, nil
}
