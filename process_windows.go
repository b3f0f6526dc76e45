//go:build windows

package devsession

import (
	"os/exec"
	"syscall"
)

// applyHiddenWindow starts the helper without flashing a console window, the
// platform flag spec §4.1 calls for ("started hidden on platforms that
// expose such a flag").
func applyHiddenWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
