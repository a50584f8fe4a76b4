package data

import (
	"sort"
	"strconv"
	"sync"
)

// Well-known metadata keys.
const (
	KeyPairedEnd   = "pairedEnd"
	KeyFastqFormat = "fastqFormat"
	KeySampleID    = "sampleId"
	KeySampleName  = "sampleName"
)

// Metadata is a free-form key/value map attached to a data element.
// It is safe for concurrent use.
type Metadata struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMetadata creates an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{m: make(map[string]string)}
}

// Get returns the value for key.
func (md *Metadata) Get(key string) (string, bool) {
	md.mu.RLock()
	defer md.mu.RUnlock()
	v, ok := md.m[key]
	return v, ok
}

// Set stores value under key.
func (md *Metadata) Set(key, value string) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.m[key] = value
}

// Keys returns the sorted metadata keys.
func (md *Metadata) Keys() []string {
	md.mu.RLock()
	defer md.mu.RUnlock()
	keys := make([]string, 0, len(md.m))
	for k := range md.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the metadata entries.
func (md *Metadata) Map() map[string]string {
	md.mu.RLock()
	defer md.mu.RUnlock()
	out := make(map[string]string, len(md.m))
	for k, v := range md.m {
		out[k] = v
	}
	return out
}

// CopyFrom sets every entry of other on md, overwriting existing keys.
func (md *Metadata) CopyFrom(other *Metadata) {
	if other == nil || other == md {
		return
	}
	for k, v := range other.Map() {
		md.Set(k, v)
	}
}

// PairedEnd reports whether the data holds paired-end reads.
func (md *Metadata) PairedEnd() bool {
	v, ok := md.Get(KeyPairedEnd)
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// SampleID returns the id of the design sample the data belongs to.
func (md *Metadata) SampleID() string {
	v, _ := md.Get(KeySampleID)
	return v
}
