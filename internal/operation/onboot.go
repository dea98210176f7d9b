package operation

import (
	"path/filepath"
	"regexp"

	"github.com/linuxmuster-net/linbo-ctrl/internal/atomicfs"
	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
)

var onbootHostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

const onbootFileMode = 0o660

func (e *Engine) onbootDir() string {
	return filepath.Join(e.linboDir, "linbocmd")
}

// writeOnbootFile drops hostname's next-boot command file: linbocmd/
// <hostname>.cmd, mode 0660, atomic write. hostname is validated against
// the same pattern as model.ValidHostname and the resulting path is
// re-checked against the linbocmd directory to reject traversal.
func (e *Engine) writeOnbootFile(hostname, formattedCmd string) error {
	if !onbootHostnamePattern.MatchString(hostname) {
		return ctrlerr.Validation("invalid hostname %q for onboot command file", hostname)
	}

	dir := e.onbootDir()
	path := filepath.Join(dir, hostname+".cmd")

	if filepath.Dir(path) != filepath.Clean(dir) {
		return ctrlerr.Validation("onboot path for %q escapes the linbocmd directory", hostname)
	}

	return atomicfs.WriteMode(path, []byte(formattedCmd), onbootFileMode)
}
