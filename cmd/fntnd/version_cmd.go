package main

import (
	"fmt"

	"github.com/faasten/faasten/internal/version"
)

// VersionCmd prints this binary's build provenance.
type VersionCmd struct{}

func (c *VersionCmd) Run(cctx *Context) error {
	v := version.Get()
	fmt.Printf("Git Repository: %s\n", v.GitRepo)
	fmt.Printf("Git Branch: %s\n", v.GitBranch)
	fmt.Printf("Git Commit: %s\n", v.GitCommit)
	fmt.Printf("Build Time: %s\n", v.BuildTime)
	fmt.Printf("Go Version: %s\n", v.GoVersion)
	return nil
}
