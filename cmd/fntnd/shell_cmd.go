package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// ShellCmd runs a guest binary interactively on the operator's terminal,
// for debugging guest images before pointing `fntnd run --guest-binary` at
// them. The guest gets no control socket and no reference monitor — any
// CloudCall it attempts will fail to connect — so this is strictly a
// "does the image start and talk" loop.
type ShellCmd struct {
	Command string   `arg:"" help:"guest binary to run"`
	Args    []string `arg:"" optional:"" help:"arguments passed to the guest binary"`
}

func (sc *ShellCmd) Run(cctx *Context) error {
	cmd := exec.Command(sc.Command, sc.Args...)
	cmd.Env = os.Environ()

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		slog.Info("fntnd shell: stdin is not a terminal, plain passthrough")
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("fntnd shell: start guest under pty: %w", err)
	}
	defer ptmx.Close()

	if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
		slog.Warn("fntnd shell: inherit terminal size", "error", err)
	}

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("fntnd shell: raw terminal: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	go io.Copy(ptmx, os.Stdin)
	io.Copy(os.Stdout, ptmx)

	return cmd.Wait()
}
