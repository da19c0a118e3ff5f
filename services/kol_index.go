package services

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
)

// kolEntry is one row of the static reservation list (JSON array file).
type kolEntry struct {
	Identity string `json:"identity"`
	Handle   string `json:"handle"`
}

// KOLIndex answers "is this identity a reserved notable user" from two
// independently-built in-memory sets: primary identity and fallback handle,
// both matched case-insensitively. Loaded once at boot and reloadable on
// demand; a missing or malformed list degrades to "nobody is KOL" so that
// signups are never blocked on it.
type KOLIndex struct {
	mu         sync.RWMutex
	byIdentity map[string]struct{}
	byHandle   map[string]struct{}
	sourcePath string
}

func NewKOLIndex(sourcePath string) *KOLIndex {
	idx := &KOLIndex{
		byIdentity: map[string]struct{}{},
		byHandle:   map[string]struct{}{},
		sourcePath: sourcePath,
	}
	if err := idx.Reload(); err != nil {
		log.Printf("⚠️  [KOL] could not load reservation list from %s: %v — treating everyone as regular", sourcePath, err)
	}
	return idx
}

// Reload re-reads the source file and swaps both sets atomically.
// On error the previous sets are kept (or stay empty on first load).
func (i *KOLIndex) Reload() error {
	data, err := os.ReadFile(i.sourcePath)
	if err != nil {
		return err
	}

	var entries []kolEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	byIdentity := make(map[string]struct{}, len(entries))
	byHandle := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if id := strings.ToLower(strings.TrimSpace(e.Identity)); id != "" {
			byIdentity[id] = struct{}{}
		}
		if h := strings.ToLower(strings.TrimSpace(e.Handle)); h != "" {
			byHandle[h] = struct{}{}
		}
	}

	i.mu.Lock()
	i.byIdentity = byIdentity
	i.byHandle = byHandle
	i.mu.Unlock()

	log.Printf("✅ [KOL] reservation list loaded: %d identities, %d handles", len(byIdentity), len(byHandle))
	return nil
}

// IsKOL checks the primary identity first, then the fallback handle.
func (i *KOLIndex) IsKOL(identity, handle string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if _, ok := i.byIdentity[strings.ToLower(strings.TrimSpace(identity))]; ok {
		return true
	}
	if handle == "" {
		return false
	}
	_, ok := i.byHandle[strings.ToLower(strings.TrimSpace(handle))]
	return ok
}

// Size returns the identity-set size (admin/health reporting).
func (i *KOLIndex) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byIdentity)
}
