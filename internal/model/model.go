// Package model contains the feature store models.
package model

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/zeebo/xxh3"
	"gorm.io/gorm"

	"github.com/blacktop/featx/pkg/extractor"
	"github.com/blacktop/featx/pkg/features"
)

var ErrNotFound = errors.New("no image found")

// Scope is the level of the hierarchy a feature was extracted at.
type Scope string

const (
	ScopeGlobal      Scope = "global"
	ScopeFile        Scope = "file"
	ScopeFunction    Scope = "function"
	ScopeBasicBlock  Scope = "basic-block"
	ScopeInstruction Scope = "instruction"
)

// Image is the model for an analyzed binary.
type Image struct {
	SHA256    string `gorm:"primaryKey" json:"sha256"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`

	Name      string     `json:"name,omitempty"`
	Format    string     `json:"format,omitempty"`
	Arch      string     `json:"arch,omitempty"`
	OS        string     `json:"os,omitempty"`
	Base      int64      `json:"base"`
	Functions []Function `gorm:"foreignKey:ImageSHA256;constraint:OnDelete:CASCADE" json:"functions,omitempty"`
	Features  []Feature  `gorm:"foreignKey:ImageSHA256;constraint:OnDelete:CASCADE" json:"features,omitempty"`
}

// Function is a function of an analyzed image.
type Function struct {
	gorm.Model
	ImageSHA256 string `gorm:"index" json:"-"`
	Address     int64  `json:"address"`
	Name        string `json:"name,omitempty"`
	BasicBlocks int    `json:"basic_blocks"`
}

// Feature is one feature occurrence. Addresses are stored as int64 since
// postgres has no unsigned 64-bit integer.
type Feature struct {
	ID          uint   `gorm:"primaryKey" json:"-"`
	ImageSHA256 string `gorm:"index:idx_image_scope,priority:1" json:"image,omitempty"`
	Scope       Scope  `gorm:"index:idx_image_scope,priority:2" json:"scope"`
	Function    int64  `json:"function,omitempty"` // entry of the owning function
	Kind        string `json:"kind"`
	Value       string `json:"value,omitempty"`
	Address     int64  `json:"address"`
	Key         int64  `gorm:"index" json:"-"` // xxh3 of kind and value
}

// Key hashes a feature for indexed lookups.
func Key(f features.Feature) int64 {
	return int64(xxh3.HashString(string(f.Kind) + "\x00" + f.Value))
}

// NewFeature converts an extracted record.
func NewFeature(scope Scope, function features.Address, r features.Record) Feature {
	return Feature{
		Scope:    scope,
		Function: int64(function),
		Kind:     string(r.Feature.Kind),
		Value:    r.Feature.Value,
		Address:  int64(r.Address),
		Key:      Key(r.Feature),
	}
}

// Record converts the row back to an extracted record.
func (f Feature) Record() features.Record {
	return features.Record{
		Feature: features.Feature{Kind: features.Kind(f.Kind), Value: f.Value},
		Address: features.Address(f.Address),
	}
}

func global(k features.Kind) bool {
	return k == features.KindOS || k == features.KindArch
}

func appendSet(rows []Feature, scope Scope, function features.Address, set features.Set) []Feature {
	for _, r := range set.Records() {
		if global(r.Feature.Kind) {
			continue
		}
		rows = append(rows, NewFeature(scope, function, r))
	}
	return rows
}

// NewImage converts the result of a walk. Function rows carry the union of
// their basic block and instruction features; block sets are stored at the
// basic block scope.
func NewImage(sha256, name string, res *extractor.Result) *Image {
	img := &Image{SHA256: sha256, Name: name}

	for _, r := range res.Globals {
		switch r.Feature.Kind {
		case features.KindOS:
			img.OS = r.Feature.Value
		case features.KindArch:
			img.Arch = r.Feature.Value
		}
		img.Features = append(img.Features, NewFeature(ScopeGlobal, features.NoAddress, r))
	}
	for _, r := range res.File.Records() {
		if r.Feature.Kind == features.KindFormat {
			img.Format = r.Feature.Value
		}
		if global(r.Feature.Kind) {
			continue
		}
		img.Features = append(img.Features, NewFeature(ScopeFile, features.NoAddress, r))
	}
	for _, addr := range slices.Sorted(maps.Keys(res.Functions)) {
		fn := res.Functions[addr]
		img.Functions = append(img.Functions, Function{
			Address:     int64(fn.Address),
			Name:        fn.Name,
			BasicBlocks: len(fn.BasicBlocks),
		})
		img.Features = appendSet(img.Features, ScopeFunction, fn.Address, fn.Features)
		for _, bb := range slices.Sorted(maps.Keys(fn.BasicBlocks)) {
			img.Features = appendSet(img.Features, ScopeBasicBlock, fn.Address, fn.BasicBlocks[bb])
		}
	}
	return img
}
