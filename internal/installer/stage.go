package installer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/apexpm/apex/internal/container"
	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/logging"
	"github.com/apexpm/apex/internal/model"
	"github.com/apexpm/apex/internal/verifier"
	"golang.org/x/sys/unix"
)

// committedFile records one path Commit touched, so a later failure
// anywhere from Commit onward can undo it in reverse order: a backup path
// means a prior file was replaced and must be restored; no backup means
// the path did not exist before this transaction and must be unlinked.
type committedFile struct {
	FinalPath  string `json:"final_path"`
	BackupPath string `json:"backup_path,omitempty"`
}

// checkDiskSpace fails closed if dir's filesystem has less free space than
// required, the same preflight dpkg/apt perform before unpacking so a
// transaction never starts staging a batch it cannot finish writing.
func checkDiskSpace(dir string, required int64) error {
	if required <= 0 {
		return nil
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return errs.Filesystem("check free disk space", dir, err)
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	if available < required {
		return errs.Filesystem("check free disk space", dir, fmt.Errorf("need %d bytes, %d available", required, available))
	}

	return nil
}

// stagePackage extracts a decoded, already-signature-verified container's
// content tar into dir, checking each file's streamed bytes against its
// digest as they are written and never leaving a partially-verified file
// at its final name. The staged tree mirrors rootDir's layout so Commit
// only needs to rename files across directories one for one.
func stagePackage(d *container.Decoded, dir string) error {
	tr, closer, err := d.Open()
	if err != nil {
		return err
	}

	defer closer.Close()

	byPath := make(map[string]container.FileDigest, len(d.Files))
	for _, fd := range d.Files {
		byPath[fd.Path] = fd
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return errs.Integrity("read container content", err)
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(filepath.Join(dir, hdr.Name), 0o755); err != nil {
				return errs.Filesystem("create staged directory", hdr.Name, err)
			}

			continue
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		fd, ok := byPath[hdr.Name]
		if !ok {
			return errs.Integrity("stage container content", fmt.Errorf("file %s has no metadata digest", hdr.Name))
		}

		if err := stageFile(tr, dir, hdr, fd); err != nil {
			return err
		}
	}

	return nil
}

func stageFile(r io.Reader, dir string, hdr *tar.Header, fd container.FileDigest) error {
	dest := filepath.Join(dir, hdr.Name)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.Filesystem("create staged directory", filepath.Dir(dest), err)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(fd.Mode))
	if err != nil {
		return errs.Filesystem("create staged file", dest, err)
	}

	sv := verifier.NewStreamChecksum(fd.SHA256)
	w := io.MultiWriter(f, sv)

	_, copyErr := io.Copy(w, r)

	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(dest)
		return errs.Filesystem("write staged file", dest, copyErr)
	}

	if closeErr != nil {
		os.Remove(dest)
		return errs.Filesystem("close staged file", dest, closeErr)
	}

	if err := verifier.VerifyFileDigest(sv); err != nil {
		// fails closed: the file exists on disk but failed its own
		// checksum, so it must never reach Commit's rename step.
		os.Remove(dest)
		return err
	}

	return nil
}

// commitFile moves a verified staged file into its final path, backing up
// any file it replaces first so a mid-commit crash can still be undone.
// Cross-filesystem staging areas fall back to copy+fsync+chmod+unlink
// since os.Rename cannot cross device boundaries.
func commitFile(stagedPath, finalPath string) (backupPath string, err error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", errs.Filesystem("create install directory", filepath.Dir(finalPath), err)
	}

	if _, statErr := os.Stat(finalPath); statErr == nil {
		backupPath = finalPath + ".apex-backup"
		if err := os.Rename(finalPath, backupPath); err != nil {
			return "", errs.Filesystem("back up existing file", finalPath, err)
		}
	}

	if err := os.Rename(stagedPath, finalPath); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			if err := copyAcrossDevices(stagedPath, finalPath); err != nil {
				restoreBackup(finalPath, backupPath)
				return "", err
			}

			return backupPath, nil
		}

		restoreBackup(finalPath, backupPath)

		return "", errs.Filesystem("commit staged file", finalPath, err)
	}

	return backupPath, nil
}

func copyAcrossDevices(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errs.Filesystem("open staged file for cross-device copy", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errs.Filesystem("stat staged file", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return errs.Filesystem("create install file", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errs.Filesystem("copy staged file", dst, err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return errs.Filesystem("fsync install file", dst, err)
	}

	if err := out.Close(); err != nil {
		return errs.Filesystem("close install file", dst, err)
	}

	if err := os.Chmod(dst, info.Mode()); err != nil {
		return errs.Filesystem("chmod install file", dst, err)
	}

	if err := os.Remove(src); err != nil {
		return errs.Filesystem("remove staged file after cross-device copy", src, err)
	}

	return nil
}

func restoreBackup(finalPath, backupPath string) {
	if backupPath == "" {
		return
	}

	os.Rename(backupPath, finalPath)
}

// rollbackCommitted undoes a Commit phase in reverse order: a file that
// replaced an existing one gets its backup renamed back over it; a file
// with no prior backup is unlinked. It runs on an already-failing path
// (a later package's Commit failure, a Post-hook failure, or a Record
// failure), so individual restore errors are logged, not propagated.
func rollbackCommitted(ctx context.Context, committed []committedFile) {
	log := logging.Component(ctx, "installer")

	for i := len(committed) - 1; i >= 0; i-- {
		c := committed[i]

		if c.BackupPath != "" {
			if err := os.Rename(c.BackupPath, c.FinalPath); err != nil {
				log.Error().Str("path", c.FinalPath).Err(err).Msg("rollback: failed to restore backup")
			}

			continue
		}

		if err := os.Remove(c.FinalPath); err != nil && !os.IsNotExist(err) {
			log.Error().Str("path", c.FinalPath).Err(err).Msg("rollback: failed to remove committed file")
		}
	}
}

// removeBackups deletes every backup made during a Commit phase once the
// batch it belongs to has durably Recorded; the install root never keeps
// a stale ".apex-backup" sibling past a successful transaction.
func removeBackups(committed []committedFile) {
	for _, c := range committed {
		if c.BackupPath != "" {
			os.Remove(c.BackupPath)
		}
	}
}

// removeStaleFiles backs up (rather than deletes outright) every path in
// oldFiles that newFiles no longer claims, so an upgrade or a remove can
// still be rolled back like any other committed change. Paths already
// missing are skipped; a package's installed manifest can drift from disk
// if something else removed a file out from under apex.
func removeStaleFiles(root string, oldFiles, newFiles []model.FileEntry) ([]committedFile, error) {
	keep := make(map[string]bool, len(newFiles))
	for _, f := range newFiles {
		keep[f.Path] = true
	}

	var out []committedFile

	for _, f := range oldFiles {
		if keep[f.Path] {
			continue
		}

		finalPath := filepath.Join(root, f.Path)
		backupPath := finalPath + ".apex-backup"

		if err := os.Rename(finalPath, backupPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return out, errs.Filesystem("back up stale file for removal", finalPath, err)
		}

		out = append(out, committedFile{FinalPath: finalPath, BackupPath: backupPath})
	}

	return out, nil
}
