// Package content stores listing metadata documents. Pointers are
// content-addressed, so storing the same document twice yields the same
// pointer and a pointer always names immutable bytes.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const pointerPrefix = "sha256-"

var (
	ErrNotFound       = errors.New("content not found")
	ErrInvalidPointer = errors.New("invalid content pointer")
	ErrNotJSON        = errors.New("content is not valid JSON")
)

// Store is the content storage capability.
type Store interface {
	Put(ctx context.Context, doc []byte) (string, error)
	Get(ctx context.Context, pointer string) ([]byte, error)
}

// PointerFor returns the content address of doc.
func PointerFor(doc []byte) string {
	sum := sha256.Sum256(doc)
	return pointerPrefix + hex.EncodeToString(sum[:])
}

func validatePointer(pointer string) error {
	digest, ok := strings.CutPrefix(pointer, pointerPrefix)
	if !ok || len(digest) != 2*sha256.Size {
		return ErrInvalidPointer
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return ErrInvalidPointer
	}
	return nil
}

func validateDoc(doc []byte) error {
	if !json.Valid(doc) {
		return ErrNotJSON
	}
	return nil
}

// ListingMetadata is the document stored for each auction listing.
type ListingMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Images      []string `json:"images"`
	Category    string   `json:"category"`
	ProductType string   `json:"productType"`
	Seller      string   `json:"seller"`
}

// PutListing serializes and stores listing metadata.
func PutListing(ctx context.Context, s Store, m ListingMetadata) (string, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return s.Put(ctx, doc)
}

// GetListing loads listing metadata by pointer.
func GetListing(ctx context.Context, s Store, pointer string) (ListingMetadata, error) {
	doc, err := s.Get(ctx, pointer)
	if err != nil {
		return ListingMetadata{}, err
	}
	var m ListingMetadata
	if err := json.Unmarshal(doc, &m); err != nil {
		return ListingMetadata{}, fmt.Errorf("decode listing: %w", err)
	}
	return m, nil
}

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, doc []byte) (string, error) {
	if err := validateDoc(doc); err != nil {
		return "", err
	}
	p := PointerFor(doc)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[p] = append([]byte(nil), doc...)
	return p, nil
}

func (m *MemoryStore) Get(_ context.Context, pointer string) ([]byte, error) {
	if err := validatePointer(pointer); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[pointer]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}
