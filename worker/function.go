package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/faasten/faasten/namespace"
)

// FunctionKey identifies the snapshot material a gate launches, independent
// of which gate id a caller traversed to reach it: two gates referencing the
// same app/runtime/kernel blobs and memory size are the same function for
// cache purposes.
type FunctionKey string

// KeyFor derives fn's cache key from the content addresses of its snapshot
// material, so identical functions reached through different gates share
// cache entries.
func KeyFor(fn namespace.FunctionRef) FunctionKey {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", fn.AppImageBlob, fn.RuntimeBlob, fn.KernelBlob, fn.Memory)
	return FunctionKey(hex.EncodeToString(h.Sum(nil)))
}
