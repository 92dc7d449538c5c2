package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/featx/pkg/extractor"
	"github.com/blacktop/featx/pkg/features"
)

func TestKey(t *testing.T) {
	assert.Equal(t, Key(features.API("CreateFileA")), Key(features.API("CreateFileA")))
	assert.NotEqual(t, Key(features.API("CreateFileA")), Key(features.Import("CreateFileA")))
	assert.NotEqual(t, Key(features.Number(1)), Key(features.Number(2)))
}

func TestNewImage(t *testing.T) {
	globals := []features.Record{
		{Feature: features.OS(features.OSWindows), Address: features.NoAddress},
		{Feature: features.Arch(features.ArchAMD64), Address: features.NoAddress},
	}
	file := features.NewSet(globals...)
	file.Add(
		features.Record{Feature: features.Format(features.FormatPE), Address: features.NoAddress},
		features.Record{Feature: features.Import("CreateFileA"), Address: 0x2010},
	)
	fn := features.NewSet(globals...)
	fn.Add(features.Record{Feature: features.Characteristic(features.CharNzxor), Address: 0x1002})
	bb := features.NewSet(globals...)
	bb.Add(features.Record{Feature: features.Characteristic(features.CharNzxor), Address: 0x1002})

	res := &extractor.Result{
		Globals: globals,
		File:    file,
		Functions: map[features.Address]*extractor.FunctionResult{
			0x1000: {
				Address:     0x1000,
				Name:        "main",
				Features:    fn,
				BasicBlocks: map[features.Address]features.Set{0x1000: bb},
			},
		},
	}

	img := NewImage("aaaa", "test.exe", res)
	assert.Equal(t, "windows", img.OS)
	assert.Equal(t, "amd64", img.Arch)
	assert.Equal(t, "pe", img.Format)
	require.Len(t, img.Functions, 1)
	assert.Equal(t, Function{Address: 0x1000, Name: "main", BasicBlocks: 1}, img.Functions[0])

	scopes := map[Scope]int{}
	for _, f := range img.Features {
		scopes[f.Scope]++
		assert.Equal(t, Key(f.Record().Feature), f.Key)
	}
	// os and arch are stored once at the global scope
	assert.Equal(t, map[Scope]int{
		ScopeGlobal:     2,
		ScopeFile:       2,
		ScopeFunction:   1,
		ScopeBasicBlock: 1,
	}, scopes)
}
