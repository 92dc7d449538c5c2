/*
Copyright © 2018-2026 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blacktop/featx/internal/colors"
	"github.com/blacktop/featx/pkg/extractor"
	"github.com/blacktop/featx/pkg/features"
)

type functionOutput struct {
	Address     string              `json:"address" yaml:"address"`
	Name        string              `json:"name,omitempty" yaml:"name,omitempty"`
	Features    []string            `json:"features" yaml:"features"`
	BasicBlocks map[string][]string `json:"basic_blocks,omitempty" yaml:"basic_blocks,omitempty"`
}

type resultOutput struct {
	SHA256    string            `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Globals   []string          `json:"globals" yaml:"globals"`
	File      []string          `json:"file" yaml:"file"`
	Functions []functionOutput  `json:"functions" yaml:"functions"`
	Errors    map[string]string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func recordStrings(recs []features.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.Address == features.NoAddress {
			out = append(out, r.Feature.String())
			continue
		}
		out = append(out, r.String())
	}
	return out
}

// local drops the global features repeated in every function scope.
func local(recs []features.Record) []features.Record {
	return slices.DeleteFunc(recs, func(r features.Record) bool {
		return r.Feature.Kind == features.KindOS || r.Feature.Kind == features.KindArch
	})
}

func newResultOutput(sha256 string, res *extractor.Result, withBlocks bool) *resultOutput {
	out := &resultOutput{
		SHA256:  sha256,
		Globals: recordStrings(res.Globals),
		File:    recordStrings(local(res.File.Records())),
	}
	for _, addr := range slices.Sorted(maps.Keys(res.Functions)) {
		fn := res.Functions[addr]
		fo := functionOutput{
			Address:  addr.String(),
			Name:     fn.Name,
			Features: recordStrings(local(fn.Features.Records())),
		}
		if withBlocks {
			fo.BasicBlocks = make(map[string][]string, len(fn.BasicBlocks))
			for bb, set := range fn.BasicBlocks {
				fo.BasicBlocks[bb.String()] = recordStrings(local(set.Records()))
			}
		}
		out.Functions = append(out.Functions, fo)
	}
	if len(res.Errors) > 0 {
		out.Errors = make(map[string]string, len(res.Errors))
		for addr, err := range res.Errors {
			out.Errors[addr.String()] = err.Error()
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func writeRecords(w io.Writer, indent int, recs []features.Record) {
	pad := strings.Repeat(" ", indent)
	for _, r := range recs {
		if r.Address == features.NoAddress {
			fmt.Fprintf(w, "%s%s\n", pad, colors.Feature(r.Feature))
			continue
		}
		fmt.Fprintf(w, "%s%s %s\n", pad, colors.Feature(r.Feature), colors.Addr("@ %s", r.Address))
	}
}

func writeText(w io.Writer, res *extractor.Result, withBlocks bool) {
	fmt.Fprintln(w, colors.Header("[global]"))
	writeRecords(w, 2, res.Globals)
	fmt.Fprintln(w, colors.Header("[file]"))
	writeRecords(w, 2, local(res.File.Records()))
	for _, addr := range slices.Sorted(maps.Keys(res.Functions)) {
		fn := res.Functions[addr]
		fmt.Fprintf(w, "%s %s %s\n", colors.Header("[function]"), colors.Addr("%s", addr), colors.Name(fn.Name))
		writeRecords(w, 2, local(fn.Features.Records()))
		if !withBlocks {
			continue
		}
		for _, bb := range slices.Sorted(maps.Keys(fn.BasicBlocks)) {
			fmt.Fprintf(w, "  %s %s\n", colors.Header("[basic block]"), colors.Addr("%s", bb))
			writeRecords(w, 4, local(fn.BasicBlocks[bb].Records()))
		}
	}
	for _, addr := range slices.Sorted(maps.Keys(res.Errors)) {
		fmt.Fprintf(w, "%s %s %s\n", colors.Warning("[failed]"), colors.Addr("%s", addr), res.Errors[addr])
	}
}
