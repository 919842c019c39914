package main

import (
	"context"
	"fmt"

	"github.com/conduit-llm/conduit/pkg/cache"
	"github.com/conduit-llm/conduit/pkg/dbpool"
)

// CacheCmd groups response-cache maintenance.
type CacheCmd struct {
	List    CacheListCmd    `cmd:"" help:"List cached response keys, newest first."`
	Clear   CacheClearCmd   `cmd:"" help:"Remove every cached response."`
	Cleanup CacheCleanupCmd `cmd:"" help:"Remove entries older than a number of days."`
}

type CachePathFlag struct {
	Path string `help:"Cache database path (default: $CONDUIT_CACHE_PATH or ~/.conduit/cache.db)."`
}

func (f *CachePathFlag) open() (*cache.Cache, error) {
	path := f.Path
	if path == "" {
		path = cache.DefaultPath()
	}
	return cache.Open(path)
}

type CacheListCmd struct {
	CachePathFlag `embed:""`
}

func (c *CacheListCmd) Run() error {
	store, err := c.open()
	if err != nil {
		return err
	}
	defer dbpool.Shutdown()

	keys, err := store.Keys(context.Background())
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("Cache is empty.")
		return nil
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}

type CacheClearCmd struct {
	CachePathFlag `embed:""`
}

func (c *CacheClearCmd) Run() error {
	store, err := c.open()
	if err != nil {
		return err
	}
	defer dbpool.Shutdown()

	if err := store.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Println("Cache cleared.")
	return nil
}

type CacheCleanupCmd struct {
	Days int `arg:"" help:"Remove entries older than this many days."`

	CachePathFlag `embed:""`
}

func (c *CacheCleanupCmd) Run() error {
	store, err := c.open()
	if err != nil {
		return err
	}
	defer dbpool.Shutdown()

	removed, err := store.CleanupOlderThan(context.Background(), c.Days)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d entries.\n", removed)
	return nil
}
