//go:build !windows

package devsession

import "os/exec"

// applyHiddenWindow is a no-op on platforms without a hidden-window flag.
func applyHiddenWindow(cmd *exec.Cmd) {}
