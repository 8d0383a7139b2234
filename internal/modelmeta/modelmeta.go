package modelmeta

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Entry describes one generation model offered to users.
type Entry struct {
	ID           string `yaml:"id" json:"id"`
	DisplayName  string `yaml:"display_name" json:"display_name"`
	AcceptsImage bool   `yaml:"accepts_image" json:"accepts_image"`
	CostCredits  int64  `yaml:"cost_credits" json:"cost_credits"`
}

// Catalog holds the models a conversation may choose from.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Defaults returns the built-in catalog.
func Defaults() *Catalog {
	c := &Catalog{entries: make(map[string]Entry)}
	c.put(Entry{ID: "veo3_fast", DisplayName: "Veo 3 Fast - Quick generation", AcceptsImage: true, CostCredits: 1})
	c.put(Entry{ID: "kling_v2.1", DisplayName: "Kling v2.1 - High quality", AcceptsImage: true, CostCredits: 1})
	return c
}

func (c *Catalog) put(e Entry) {
	c.entries[strings.ToLower(strings.TrimSpace(e.ID))] = e
}

// LoadFile replaces the catalog with entries from a YAML file.
//
// File format:
//
//	models:
//	  - id: veo3_fast
//	    display_name: Veo 3 Fast
//	    accepts_image: true
//	    cost_credits: 1
func (c *Catalog) LoadFile(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("modelmeta: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc struct {
		Models []Entry `yaml:"models"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return 0, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(doc.Models) == 0 {
		return 0, errors.New("model catalog contains no models")
	}

	entries := make(map[string]Entry, len(doc.Models))
	for _, e := range doc.Models {
		id := strings.ToLower(strings.TrimSpace(e.ID))
		if id == "" {
			return 0, errors.New("model catalog entry missing id")
		}
		if e.CostCredits <= 0 {
			e.CostCredits = 1
		}
		if e.DisplayName == "" {
			e.DisplayName = e.ID
		}
		entries[id] = e
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return len(entries), nil
}

// Lookup returns the entry for a model id.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[strings.ToLower(strings.TrimSpace(id))]
	return e, ok
}

// List returns all entries sorted by id for stable menus.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
