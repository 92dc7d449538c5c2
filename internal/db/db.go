// Package db provides a database interface and implementations.
package db

import (
	"github.com/blacktop/featx/internal/model"
	"github.com/blacktop/featx/pkg/features"
)

// Database is the interface that wraps the feature store operations.
type Database interface {
	// Connect connects to the database.
	Connect() error

	// Save stores an analyzed image.
	// It replaces any previous analysis of the same image.
	Save(img *model.Image) error

	// Get returns the image and its functions for the given hash.
	// It returns model.ErrNotFound if the image does not exist.
	Get(sha256 string) (*model.Image, error)

	// Features returns the features of an image at the given scope,
	// or at every scope when scope is empty.
	Features(sha256 string, scope model.Scope) ([]model.Feature, error)

	// Find returns every stored occurrence of a feature.
	Find(f features.Feature) ([]model.Feature, error)

	// Delete removes the given image and its features.
	// It returns model.ErrNotFound if the image does not exist.
	Delete(sha256 string) error

	// Close closes the database.
	Close() error
}
