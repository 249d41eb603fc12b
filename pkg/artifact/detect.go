package artifact

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mastiff-sec/mastiff/pkg/errdefs"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

var (
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04} // PK\x03\x04
	gzipMagic = []byte{0x1f, 0x8b}

	// Payload/<bundle>.app/Info.plist marks an iOS application archive.
	ipaPlistPattern = regexp.MustCompile(`^Payload/[^/]+\.app/Info\.plist$`)
)

// Detect classifies an uploaded file by magic bytes, looking inside ZIP
// containers to tell mobile bundles from plain archives:
//
//	ZIP with AndroidManifest.xml           apk
//	ZIP with Payload/*.app/Info.plist      ipa
//	any other ZIP                          by extension, else zip
//	gzip or tar stream                     source
//
// Content markers outrank the name. The extension only breaks the tie for
// a ZIP carrying neither marker: a stripped bundle uploaded as .apk or
// .ipa keeps its declared type. Anything that is not a supported container
// is rejected.
func Detect(path, originalName string) (types.ArtifactType, error) {
	head, err := readHead(path, 512)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return classifyZip(path, originalName)
	case bytes.HasPrefix(head, gzipMagic), isTarHeader(head):
		return types.ArtifactSource, nil
	default:
		return "", errdefs.InvalidInput("unsupported artifact format for %q", originalName)
	}
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:read], nil
}

// classifyZip scans the archive directory for the markers that distinguish
// an APK or IPA from a plain ZIP. Without a marker the name's extension
// decides.
func classifyZip(path, originalName string) (types.ArtifactType, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", errdefs.InvalidInput("corrupt zip container: %v", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		switch {
		case f.Name == "AndroidManifest.xml":
			return types.ArtifactAPK, nil
		case ipaPlistPattern.MatchString(f.Name):
			return types.ArtifactIPA, nil
		}
	}

	switch strings.ToLower(filepath.Ext(originalName)) {
	case ".apk":
		return types.ArtifactAPK, nil
	case ".ipa":
		return types.ArtifactIPA, nil
	}
	return types.ArtifactZIP, nil
}

// isTarHeader recognizes the ustar magic at offset 257 of a tar block.
func isTarHeader(head []byte) bool {
	if len(head) < 262 {
		return false
	}
	return bytes.Equal(head[257:262], []byte("ustar"))
}
