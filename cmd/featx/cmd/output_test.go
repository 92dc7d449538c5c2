package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/blacktop/featx/pkg/extractor"
	"github.com/blacktop/featx/pkg/features"
)

func testResult() *extractor.Result {
	globals := []features.Record{
		{Feature: features.OS(features.OSLinux)},
		{Feature: features.Arch(features.ArchAMD64)},
	}
	fn := features.NewSet(globals...)
	fn.Add(features.Record{Feature: features.Characteristic(features.CharNzxor), Address: 0x401000})
	return &extractor.Result{
		Globals: globals,
		File:    features.NewSet(append(globals, features.Record{Feature: features.Format(features.FormatELF)})...),
		Functions: map[features.Address]*extractor.FunctionResult{
			0x401000: {
				Address:     0x401000,
				Name:        "main",
				Features:    fn,
				BasicBlocks: map[features.Address]features.Set{0x401000: fn},
			},
		},
		Errors: map[features.Address]error{},
	}
}

func TestNewResultOutput(t *testing.T) {
	out := newResultOutput("aaaa", testResult(), true)
	if len(out.Globals) != 2 {
		t.Errorf("got globals %v", out.Globals)
	}
	if len(out.File) != 1 || out.File[0] != "format(elf)" {
		t.Errorf("got file %v, want [format(elf)]", out.File)
	}
	if len(out.Functions) != 1 {
		t.Fatalf("got %d functions, want 1", len(out.Functions))
	}
	fn := out.Functions[0]
	if fn.Address != "0x401000" || len(fn.Features) != 1 || fn.Features[0] != "characteristic(nzxor) @ 0x401000" {
		t.Errorf("got function %+v", fn)
	}
	if got := fn.BasicBlocks["0x401000"]; len(got) != 1 {
		t.Errorf("got basic block features %v", got)
	}
	if out.Errors != nil {
		t.Errorf("got errors %v, want none", out.Errors)
	}
}

func TestWriteText(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true

	var buf bytes.Buffer
	writeText(&buf, testResult(), false)
	for _, want := range []string{
		"[global]\n  os(linux)\n  arch(amd64)\n",
		"[function] 0x401000 main\n  characteristic(nzxor) @ 0x401000\n",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("missing %q in\n%s", want, buf.String())
		}
	}
	if strings.Contains(buf.String(), "[basic block]") {
		t.Error("basic blocks printed without --blocks")
	}
}
