package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

// codeCache holds compiled *goja.Program bytecode keyed by
// (function_id, version), so redelivery of the same function version never
// recompiles its source (spec §4.7 step 2, "in-process LRU code cache").
type codeCache struct {
	lru *lru.Cache[string, *goja.Program]
}

func newCodeCache(size int) (*codeCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, *goja.Program](size)
	if err != nil {
		return nil, err
	}
	return &codeCache{lru: c}, nil
}

func cacheKey(fn model.FunctionSpec) string {
	return fmt.Sprintf("%s@%d", fn.FunctionID, fn.Version)
}

func (c *codeCache) get(key string) (*goja.Program, bool) {
	return c.lru.Get(key)
}

func (c *codeCache) put(key string, program *goja.Program) {
	c.lru.Add(key, program)
}

func (c *codeCache) len() int {
	return c.lru.Len()
}
