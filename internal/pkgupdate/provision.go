package pkgupdate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/linuxmuster-net/linbo-ctrl/internal/atomicfs"
	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
	"github.com/linuxmuster-net/linbo-ctrl/internal/grub"
)

const guiArchiveName = "linbo.tar.gz"

var kernelVariants = []string{"stable", "longterm", "legacy"}

// extractPackage runs dpkg-deb -x into a fresh destDir.
func (e *Engine) extractPackage(ctx context.Context, debPath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return ctrlerr.WrapInternal(err, "creating extraction dir")
	}
	cmd := exec.CommandContext(ctx, "dpkg-deb", "-x", debPath, destDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ctrlerr.WrapDependencyFailed(fmt.Errorf("%w: %s", err, stderr.String()), "extracting package")
	}
	return nil
}

func (e *Engine) packageRoot(extractDir string) string {
	return filepath.Join(extractDir, "srv", "linbo")
}

// provisionGUIAndGrub copies the GUI archive, merges the GRUB module tree
// (host-installed x86_64-efi/i386-pc modules are preserved, everything
// else is overwritten), copies icons, and relinks gui/.
func (e *Engine) provisionGUIAndGrub(extractDir string) error {
	root := e.packageRoot(extractDir)

	if err := e.copyGUIArchive(root); err != nil {
		return err
	}
	if err := e.mergeGrubTree(root); err != nil {
		return err
	}
	if err := e.copyIcons(root); err != nil {
		return err
	}
	return e.linkGUI()
}

func (e *Engine) copyGUIArchive(root string) error {
	src := filepath.Join(root, guiArchiveName)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ctrlerr.WrapInternal(err, "reading GUI archive")
	}

	staging := filepath.Join(e.LinboDir, ".staging-"+guiArchiveName)
	if err := atomicfs.WriteWithMD5(staging, data); err != nil {
		return ctrlerr.WrapInternal(err, "staging GUI archive")
	}
	defer atomicfs.SafeUnlink(staging)
	defer atomicfs.SafeUnlink(staging + ".md5")

	dest := filepath.Join(e.LinboDir, guiArchiveName)
	if err := os.Rename(staging, dest); err != nil {
		return ctrlerr.WrapInternal(err, "installing GUI archive")
	}
	return os.Rename(staging+".md5", dest+".md5")
}

// mergeGrubTree copies root/boot/grub into <linbo>/boot/grub. Files inside
// x86_64-efi/ and i386-pc/ are only added, never overwritten, so a
// host-installed bootloader module survives a package update.
func (e *Engine) mergeGrubTree(root string) error {
	src := filepath.Join(root, "boot", "grub")
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dest := filepath.Join(e.LinboDir, "boot", "grub")

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dest, rel)

		if preserveExisting(rel) {
			if _, statErr := os.Stat(destPath); statErr == nil {
				return nil // host-installed module, keep it
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return atomicfs.WriteMode(destPath, data, info.Mode())
	})
}

func preserveExisting(relPath string) bool {
	first := strings.SplitN(filepath.ToSlash(relPath), "/", 2)[0]
	return first == "x86_64-efi" || first == "i386-pc"
}

func (e *Engine) copyIcons(root string) error {
	src := filepath.Join(root, "icons")
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dest := filepath.Join(e.LinboDir, "icons")
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return atomicfs.WriteMode(filepath.Join(dest, rel), data, info.Mode())
	})
}

// linkGUI creates gui/ symlinks back to the root GUI files and icons dir.
func (e *Engine) linkGUI() error {
	guiDir := filepath.Join(e.LinboDir, "gui")
	if err := atomicfs.ForceSymlink("../"+guiArchiveName, filepath.Join(guiDir, guiArchiveName)); err != nil {
		return ctrlerr.WrapInternal(err, "linking gui archive")
	}
	if err := atomicfs.ForceSymlink("../icons", filepath.Join(guiDir, "icons")); err != nil {
		return ctrlerr.WrapInternal(err, "linking gui icons")
	}
	return nil
}

// kernelManifest is the per-set manifest persisted alongside a
// content-addressed kernel set directory.
type kernelManifest struct {
	Files          map[string]fileDigest `json:"files"`
	TemplateDigest string                `json:"templateDigest"`
}

type fileDigest struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// provisionKernelVariants copies stable/longterm/legacy kernel trees,
// hashes them into a manifest, and atomically repoints kernels/current at
// a new content-addressed sets/<hash8> directory. Older sets are removed.
func (e *Engine) provisionKernelVariants(extractDir string) (string, error) {
	root := e.packageRoot(extractDir)
	manifest := kernelManifest{Files: map[string]fileDigest{}}

	variantDirs := map[string]string{}
	for _, variant := range kernelVariants {
		src := filepath.Join(root, "kernels", variant)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dest, err := os.MkdirTemp("", "linbo-kernel-"+variant+"-")
		if err != nil {
			return "", ctrlerr.WrapInternal(err, "staging kernel variant %s", variant)
		}
		variantDirs[variant] = dest

		err = filepath.Walk(src, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil || info.IsDir() {
				return walkErr
			}
			rel, relErr := filepath.Rel(src, path)
			if relErr != nil {
				return relErr
			}
			digest, size, hashErr := hashFile(path)
			if hashErr != nil {
				return hashErr
			}
			manifest.Files[filepath.Join(variant, rel)] = fileDigest{SHA256: digest, Size: size}

			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return readErr
			}
			return atomicfs.WriteMode(filepath.Join(dest, rel), data, info.Mode())
		})
		if err != nil {
			return "", ctrlerr.WrapInternal(err, "hashing kernel variant %s", variant)
		}
	}

	manifest.TemplateDigest = templateDigestOf(manifest.Files)

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return "", ctrlerr.WrapInternal(err, "encoding kernel manifest")
	}
	sum := sha256.Sum256(manifestJSON)
	setHash := hex.EncodeToString(sum[:])[:8]

	setsDir := filepath.Join(e.LinboDir, "kernels", "sets")
	setDir := filepath.Join(setsDir, setHash)
	if err := os.MkdirAll(setDir, 0o755); err != nil {
		return "", ctrlerr.WrapInternal(err, "creating kernel set dir")
	}
	for variant, dir := range variantDirs {
		if err := os.Rename(dir, filepath.Join(setDir, variant)); err != nil {
			return "", ctrlerr.WrapInternal(err, "installing kernel variant %s", variant)
		}
	}
	if err := atomicfs.Write(filepath.Join(setDir, "manifest.json"), manifestJSON); err != nil {
		return "", ctrlerr.WrapInternal(err, "writing kernel manifest")
	}

	currentLink := filepath.Join(e.LinboDir, "kernels", "current")
	if err := atomicfs.ForceSymlink(filepath.Join("sets", setHash), currentLink); err != nil {
		return "", ctrlerr.WrapInternal(err, "repointing kernels/current")
	}

	e.pruneOldSets(setsDir, setHash)
	return setHash, nil
}

// templateDigestOf derives a digest summarizing the kernel set's shape
// (file paths and per-file hashes, sorted for determinism) so two sets
// with identical content hash identically regardless of filesystem order.
func templateDigestOf(files map[string]fileDigest) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s:%s:%d\n", name, files[name].SHA256, files[name].Size)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) pruneOldSets(setsDir, keep string) {
	entries, err := os.ReadDir(setsDir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if !ent.IsDir() || ent.Name() == keep {
			continue
		}
		if err := atomicfs.RemoveAll(filepath.Join(setsDir, ent.Name())); err != nil {
			e.logger.Printf("removing stale kernel set %s: %v", ent.Name(), err)
		}
	}
}

func hashFile(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// rebuildInitramfs invokes the update-linbofs script. If a host kernel is
// present on the container, it is passed through the environment so the
// initramfs picks it up, and afterwards copied to <linbo>/linbo64 with an
// MD5 sidecar.
func (e *Engine) rebuildInitramfs(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rebuildTimeout)
	defer cancel()

	env := os.Environ()
	hostKernel, hostModules, found := detectHostKernel()
	if found {
		env = append(env, "LINBO_HOST_KERNEL="+hostKernel, "LINBO_HOST_MODULES="+hostModules)
	}

	cmd := exec.CommandContext(ctx, e.UpdateLinbofsScript)
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ctrlerr.WrapDependencyFailed(fmt.Errorf("%w: %s", err, stderr.String()), "rebuilding initramfs")
	}

	if found {
		data, err := os.ReadFile(hostKernel)
		if err == nil {
			if err := atomicfs.WriteWithMD5(filepath.Join(e.LinboDir, "linbo64"), data); err != nil {
				e.logger.Printf("copying host kernel to linbo64: %v", err)
			}
		}
	}
	return nil
}

// detectHostKernel looks for a running kernel's image and matching module
// directory on the container, both optional.
func detectHostKernel() (kernelPath, modulesDir string, found bool) {
	release, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "", "", false
	}
	version := strings.TrimSpace(string(release))
	kernelPath = filepath.Join("/boot", "vmlinuz-"+version)
	modulesDir = filepath.Join("/lib", "modules", version)
	if _, err := os.Stat(kernelPath); err != nil {
		return "", "", false
	}
	if _, err := os.Stat(modulesDir); err != nil {
		return kernelPath, "", true
	}
	return kernelPath, modulesDir, true
}

// regenerateGrub regenerates the full GRUB tree after a successful
// provision. Failures are the caller's responsibility to log, not fail.
func (e *Engine) regenerateGrub(ctx context.Context) error {
	hosts, err := e.lister.Hosts(ctx)
	if err != nil {
		return err
	}
	configs, err := e.lister.Configs(ctx)
	if err != nil {
		return err
	}
	return e.grub.RegenerateAll(hosts, configs, grub.RegenerateOpts{})
}

// finalizeVersion copies the package's version file last, so the UI keeps
// showing the previous version until every earlier step has succeeded.
func (e *Engine) finalizeVersion(extractDir string) error {
	root := e.packageRoot(extractDir)
	src := filepath.Join(root, "version")
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ctrlerr.WrapInternal(err, "reading package version file")
	}
	return atomicfs.Write(filepath.Join(e.LinboDir, "version"), data)
}
