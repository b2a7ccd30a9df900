package main

import (
	"context"
	"fmt"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/internal/bootstrap"
	"github.com/faasten/faasten/internal/config"
	"github.com/faasten/faasten/internal/store"
	"github.com/faasten/faasten/namespace"
)

// BootstrapCmd seeds a fresh namespace from a YAML manifest.
type BootstrapCmd struct {
	Manifest string `arg:"" placeholder:"<manifest.yaml>" help:"path to the home-principals/gates manifest"`
}

func (c *BootstrapCmd) Run(cctx *Context) error {
	ctx := context.Background()

	manifest, err := config.LoadBootstrapManifest(c.Manifest)
	if err != nil {
		return err
	}

	kv, err := store.OpenSQLite(cctx.Cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("fntnd bootstrap: open store: %w", err)
	}
	defer kv.Close()

	blobs, err := blobstore.Open(cctx.Cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("fntnd bootstrap: open blobstore: %w", err)
	}

	ns := namespace.New(kv, blobs)
	res, err := bootstrap.Run(ctx, ns, manifest)
	if err != nil {
		return err
	}

	fmt.Printf("home directories: %v\n", res.HomeDirs)
	fmt.Printf("gates: %v\n", res.Gates)
	return nil
}
