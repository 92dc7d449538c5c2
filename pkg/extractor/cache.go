package extractor

// AnalysisCache is per-function scratch space shared by every extraction call
// scoped to one function handle. It is not safe for concurrent use.
type AnalysisCache struct {
	values map[any]any
}

// NewAnalysisCache returns an empty cache.
func NewAnalysisCache() *AnalysisCache {
	return &AnalysisCache{values: make(map[any]any)}
}

// Get returns the value stored for key.
func (c *AnalysisCache) Get(key any) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Set stores value under key.
func (c *AnalysisCache) Set(key, value any) {
	c.values[key] = value
}

// Len returns the number of cached entries.
func (c *AnalysisCache) Len() int {
	return len(c.values)
}

// Memo returns the cached T for key, computing and storing it with fn on a miss.
// Errors are not cached.
func Memo[T any](c *AnalysisCache, key any, fn func() (T, error)) (T, error) {
	if v, ok := c.values[key]; ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	t, err := fn()
	if err != nil {
		return t, err
	}
	c.values[key] = t
	return t, nil
}

// FunctionContext pairs a function handle with the cache that lives as long as the handle.
type FunctionContext struct {
	Function *Function
	Cache    *AnalysisCache
}

