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
	"github.com/pkg/errors"

	"github.com/blacktop/featx/internal/config"
	"github.com/blacktop/featx/internal/magic"
	"github.com/blacktop/featx/internal/program"
	belf "github.com/blacktop/featx/pkg/backend/elf"
	bmacho "github.com/blacktop/featx/pkg/backend/macho"
	bpe "github.com/blacktop/featx/pkg/backend/pe"
	"github.com/blacktop/featx/pkg/extractor"
)

// openBinary picks the backend for the file at path by its magic.
func openBinary(path, arch string, conf *config.Config) (*extractor.Extractor, error) {
	kind, err := magic.DetectFile(path)
	if err != nil {
		return nil, err
	}
	opts := conf.Options()
	switch kind {
	case magic.MachO, magic.Fat:
		return bmacho.Open(path, &bmacho.Config{Arch: arch, Options: opts})
	case magic.ELF:
		return belf.Open(path, &belf.Config{Options: opts})
	case magic.PE:
		return bpe.Open(path, &bpe.Config{Options: opts})
	default:
		return nil, errors.Errorf("unsupported file format %s", kind)
	}
}

func programOf(fx *extractor.Extractor) (*program.Program, error) {
	p, ok := fx.Backend().(*program.Program)
	if !ok {
		return nil, errors.Errorf("unexpected backend %T", fx.Backend())
	}
	return p, nil
}
