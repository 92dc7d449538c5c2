package extractor

import (
	"context"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/featx/pkg/features"
)

// FunctionResult holds the features observed in one function.
type FunctionResult struct {
	Address features.Address
	Name    string
	// Features is the union of the function, basic block and instruction scopes.
	Features features.Set
	// BasicBlocks maps a block start to the union of the block and instruction scopes.
	BasicBlocks map[features.Address]features.Set
}

// Result is the output of a full traversal of an image.
type Result struct {
	Globals   []features.Record
	File      features.Set
	Functions map[features.Address]*FunctionResult
	// Errors records the functions whose extraction failed.
	Errors map[features.Address]error
}

type walkConfig struct {
	workers  int
	progress func(FunctionContext)
}

// WalkOption configures Walk.
type WalkOption func(*walkConfig)

// WithConcurrency extracts up to n functions in parallel. It only takes effect
// when the extractor reports ConcurrentSafe.
func WithConcurrency(n int) WalkOption {
	return func(c *walkConfig) {
		c.workers = n
	}
}

// WithProgress calls fn before each function is extracted.
func WithProgress(fn func(FunctionContext)) WalkOption {
	return func(c *walkConfig) {
		c.progress = fn
	}
}

// Walk extracts every scope of the image. A function that fails is recorded in
// Result.Errors and skipped; its siblings are still extracted. Walk only returns
// an error for file scope failures and context cancellation.
func Walk(ctx context.Context, fx FeatureExtractor, opts ...WalkOption) (*Result, error) {
	conf := walkConfig{workers: 1}
	for _, opt := range opts {
		opt(&conf)
	}
	if cr, ok := fx.(ConcurrentReader); !ok || !cr.ConcurrentSafe() {
		conf.workers = 1
	}

	fileRecs, err := fx.ExtractFileFeatures()
	if err != nil {
		return nil, err
	}

	res := &Result{
		Globals:   fx.GlobalFeatures(),
		File:      features.NewSet(fileRecs...),
		Functions: make(map[features.Address]*FunctionResult),
		Errors:    make(map[features.Address]error),
	}

	var mu sync.Mutex
	record := func(fc FunctionContext) {
		if conf.progress != nil {
			conf.progress(fc)
		}
		fr, err := walkFunction(fx, fc)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			log.WithError(err).WithField("function", fc.Function.String()).Debug("failed to extract function")
			res.Errors[fc.Function.Start] = err
			return
		}
		res.Functions[fc.Function.Start] = fr
	}

	if conf.workers <= 1 {
		for fc := range fx.Functions() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			record(fc)
		}
		return res, nil
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(conf.workers)
	for fc := range fx.Functions() {
		if gctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			record(fc)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return res, nil
}

func walkFunction(fx FeatureExtractor, fc FunctionContext) (*FunctionResult, error) {
	recs, err := fx.ExtractFunctionFeatures(fc)
	if err != nil {
		return nil, err
	}
	fr := &FunctionResult{
		Address:     fc.Function.Start,
		Name:        fc.Function.Name,
		Features:    features.NewSet(recs...),
		BasicBlocks: make(map[features.Address]features.Set),
	}
	for bb := range fx.BasicBlocks(fc) {
		bbRecs, err := fx.ExtractBasicBlockFeatures(fc, bb)
		if err != nil {
			return nil, err
		}
		bbSet := features.NewSet(bbRecs...)
		for insn := range fx.Instructions(fc, bb) {
			insnRecs, err := fx.ExtractInsnFeatures(fc, bb, insn)
			if err != nil {
				return nil, err
			}
			bbSet.Add(insnRecs...)
		}
		fr.BasicBlocks[bb.Start] = bbSet
		fr.Features.Merge(bbSet)
	}
	return fr, nil
}
