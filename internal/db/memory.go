package db

import (
	"encoding/gob"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/blacktop/featx/internal/model"
	"github.com/blacktop/featx/pkg/features"
)

// Memory is a database that stores data in memory and persists it to a gob file on Close.
type Memory struct {
	Images map[string]*model.Image
	Path   string

	mu sync.RWMutex
}

// NewInMemory creates a new in-memory database.
func NewInMemory(path string) (Database, error) {
	if path == "" {
		return nil, errors.New("'path' is required")
	}
	return &Memory{
		Images: make(map[string]*model.Image),
		Path:   path,
	}, nil
}

// Connect loads a previously persisted database if one exists.
func (m *Memory) Connect() error {
	f, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := gob.NewDecoder(f).Decode(&m.Images); err != nil {
		return errors.Wrapf(err, "failed to decode %s", m.Path)
	}
	return nil
}

// Save stores an analyzed image.
// It replaces any previous analysis of the same image.
func (m *Memory) Save(img *model.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Images[img.SHA256] = img
	return nil
}

// Get returns the image and its functions for the given hash.
// It returns model.ErrNotFound if the image does not exist.
func (m *Memory) Get(sha256 string) (*model.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.Images[sha256]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *img
	out.Features = nil
	return &out, nil
}

// Features returns the features of an image at the given scope,
// or at every scope when scope is empty.
func (m *Memory) Features(sha256 string, scope model.Scope) ([]model.Feature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.Images[sha256]
	if !ok {
		return nil, nil
	}
	var feats []model.Feature
	for _, f := range img.Features {
		if scope == "" || f.Scope == scope {
			f.ImageSHA256 = sha256
			feats = append(feats, f)
		}
	}
	return feats, nil
}

// Find returns every stored occurrence of a feature.
func (m *Memory) Find(f features.Feature) ([]model.Feature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := model.Key(f)
	var feats []model.Feature
	for _, sha := range slices.Sorted(maps.Keys(m.Images)) {
		for _, row := range m.Images[sha].Features {
			if row.Key == key && row.Kind == string(f.Kind) && row.Value == f.Value {
				row.ImageSHA256 = sha
				feats = append(feats, row)
			}
		}
	}
	return feats, nil
}

// Delete removes the given image and its features.
// It returns model.ErrNotFound if the image does not exist.
func (m *Memory) Delete(sha256 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Images[sha256]; !ok {
		return model.ErrNotFound
	}
	delete(m.Images, sha256)
	return nil
}

// Close persists the database to Path.
func (m *Memory) Close() error {
	f, err := os.Create(m.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return gob.NewEncoder(f).Encode(m.Images)
}
