//go:build !unix

package process

import "os/exec"

func configureSysProcAttr(*exec.Cmd) {}
