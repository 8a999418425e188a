// Package deps checks the external binaries fetcharr components expect to
// find on the host, so misconfiguration surfaces at startup instead of on
// the first job.
package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Status reports the availability of an external binary.
type Status struct {
	Name      string
	Command   string
	Available bool
	Detail    string
}

// CheckFFmpeg reports the ffmpeg binary the encoder agent will execute. An
// empty binary falls back to resolving "ffmpeg" from PATH.
func CheckFFmpeg(binary string) Status {
	result := Status{Name: "FFmpeg"}

	name := strings.TrimSpace(binary)
	if name == "" {
		name = "ffmpeg"
	}
	if resolved, err := exec.LookPath(name); err == nil {
		result.Command = resolved
		result.Available = true
		return result
	}

	result.Command = name
	result.Available = false
	result.Detail = fmt.Sprintf("binary %q not found", name)
	return result
}
