// Package downloader fetches and unpacks the dataset archives used by the
// experiments.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Download fetches url into filePath, creating the parent directory if
// needed. A progress bar is printed while downloading.
func Download(url, filePath string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create directory %q", path.Dir(filePath))
	}
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	bar := progressbar.DefaultBytes(resp.ContentLength, fsutil.ByteCountIEC(resp.ContentLength))
	_, err = io.Copy(io.MultiWriter(file, bar), resp.Body)
	_ = bar.Close()
	fmt.Println()
	if err != nil {
		return errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", filePath)
	}
	if err = resp.Body.Close(); err != nil {
		return errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return nil
}

// DownloadIfMissing downloads url to filePath, unless the file already
// exists.
//
// If checkHash is not empty, the downloaded file must match the sha256 hash.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if err := Download(url, filePath); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return fsutil.ValidateChecksum(filePath, checkHash)
}

// Untar extracts tarFile inside baseDir, choosing the decompression flag from
// the file suffix: .gz/.tgz for gzip, .bz2 for bzip2.
func Untar(baseDir, tarFile string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	compressionFlag := ""
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		compressionFlag = "z"
	} else if strings.HasSuffix(tarFile, ".bz2") {
		compressionFlag = "j"
	}
	cmd := exec.Command("tar", fmt.Sprintf("x%sf", compressionFlag), tarFile)
	cmd.Dir = baseDir
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to run %q", cmd)
	}
	return nil
}

// DownloadAndUntarIfMissing downloads tarFile from url and extracts it under
// baseDir, skipping whatever already exists: the download if tarFile is
// present, everything if targetUntarDir is.
//
// If checkHash is not empty, the downloaded file must match the sha256 hash.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !path.IsAbs(tarFile) {
		tarFile = path.Join(baseDir, tarFile)
	}
	if !path.IsAbs(targetUntarDir) {
		targetUntarDir = path.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err := DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err := Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded from %q and untar'ed %q, but didn't get directory %q",
			url, tarFile, targetUntarDir)
	}
	return nil
}
