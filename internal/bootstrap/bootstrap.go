// Package bootstrap implements the `fntnd bootstrap <config.yaml>` admin
// surface: seeding a fresh namespace with the root directory
// (already guaranteed by namespace.Bootstrap), a home/ hierarchy, and the
// administrative gates (fsutil, jwt) every deployment needs before any
// tenant function can run.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/internal/config"
	"github.com/faasten/faasten/namespace"
)

// Result reports what bootstrap created, for the CLI to print.
type Result struct {
	HomeDirs []string
	Gates    []string
}

// Run seeds ns per manifest. It is idempotent: re-running against an
// already-bootstrapped namespace leaves names that already exist in place,
// since every Create that fails with ErrAlreadyExists is tolerated.
func Run(ctx context.Context, ns *namespace.Namespace, manifest *config.BootstrapManifest) (*Result, error) {
	if err := ns.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: root: %w", err)
	}

	res := &Result{}
	pub := buckle.Public()

	homeID, _, err := ns.Create(ctx, pub, namespace.Root, "home", namespace.KindDir, pub, namespace.CreateOpts{})
	if err != nil && err != namespace.ErrAlreadyExists {
		return nil, fmt.Errorf("bootstrap: create home/: %w", err)
	}
	if err == namespace.ErrAlreadyExists {
		entry, _, lerr := ns.Lookup(ctx, pub, namespace.Root, "home")
		if lerr != nil {
			return nil, fmt.Errorf("bootstrap: lookup existing home/: %w", lerr)
		}
		homeID = entry.Target
	}

	for _, principalName := range manifest.HomePrincipals {
		principal, err := buckle.ParsePrincipal(principalName)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: home principal %q: %w", principalName, err)
		}
		label := buckle.Label{
			Secrecy:   buckle.Component{Clauses: []buckle.Clause{{principal}}}.Canon(),
			Integrity: buckle.CTrue(),
		}
		if _, _, err := ns.Create(ctx, pub, homeID, principalName, namespace.KindDir, label, namespace.CreateOpts{}); err != nil && err != namespace.ErrAlreadyExists {
			return nil, fmt.Errorf("bootstrap: create home/%s: %w", principalName, err)
		}
		res.HomeDirs = append(res.HomeDirs, "home:"+principalName)
	}

	for _, gm := range manifest.Gates {
		if err := createGate(ctx, ns, gm); err != nil {
			return nil, fmt.Errorf("bootstrap: gate %q: %w", gm.Path, err)
		}
		res.Gates = append(res.Gates, gm.Path)
	}

	return res, nil
}

func createGate(ctx context.Context, ns *namespace.Namespace, gm config.GateManifest) error {
	priv, err := buckle.ParsePrivilege(gm.Privilege)
	if err != nil {
		return fmt.Errorf("privilege: %w", err)
	}
	clearance, err := buckle.ParseComponent(orDefault(gm.InvokerIntegrityClearance, "T"))
	if err != nil {
		return fmt.Errorf("invoker_integrity_clearance: %w", err)
	}
	declassify, err := buckle.ParseComponent(orDefault(gm.Declassify, "F"))
	if err != nil {
		return fmt.Errorf("declassify: %w", err)
	}

	g := &namespace.GateData{
		Privilege:                 priv,
		InvokerIntegrityClearance: clearance,
		Declassify:                declassify,
		FunctionRef:               builtinFunctionRef(gm.Builtin),
	}

	parentID, name, err := resolvePath(ctx, ns, gm.Path)
	if err != nil {
		return err
	}
	_, _, err = ns.Create(ctx, buckle.Public(), parentID, name, namespace.KindGate, buckle.Public(), namespace.CreateOpts{Gate: g})
	if err != nil && err != namespace.ErrAlreadyExists {
		return err
	}
	return nil
}

// builtinFunctionRef maps a bootstrap manifest's symbolic builtin name to
// the blob ids an administrator is expected to have pre-loaded. There is no
// source for an actual fsutil/jwt function image in this core (root-fs/app
// image construction happens outside this repository); operators
// fill in real blob ids via the manifest once those images exist, and this
// placeholder keeps bootstrap from leaving a gate that names no function at
// all.
func builtinFunctionRef(name string) *namespace.FunctionRef {
	return &namespace.FunctionRef{
		AppImageBlob: "builtin:" + name,
		RuntimeBlob:  "builtin:" + name + ":runtime",
		KernelBlob:   "builtin:kernel",
		Memory:       64,
	}
}

// resolvePath walks a colon-separated namespace path (e.g. "home:alice:fsutil")
// to its parent directory and final name component, creating no intermediate
// directories: every segment but the last must already exist.
func resolvePath(ctx context.Context, ns *namespace.Namespace, path string) (namespace.ID, string, error) {
	segs := strings.Split(path, ":")
	if len(segs) == 0 || segs[0] == "" {
		return namespace.ID{}, "", fmt.Errorf("malformed path %q", path)
	}
	cur := namespace.Root
	for _, seg := range segs[:len(segs)-1] {
		entry, _, err := ns.Lookup(ctx, buckle.Public(), cur, seg)
		if err != nil {
			return namespace.ID{}, "", fmt.Errorf("path %q: %w", path, err)
		}
		cur = entry.Target
	}
	return cur, segs[len(segs)-1], nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
