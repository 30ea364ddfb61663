// Package guard screens uploaded chat exports before they are stored.
//
// The checks are advisory: they catch obviously wrong or dangerous files
// (executables renamed to .csv, script payloads, binary blobs) but are not
// a substitute for malware scanning.
package guard

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"chatimport/internal/failure"
)

// HeadSize is the number of leading bytes the signature scan inspects.
const HeadSize = 1024

// maxNullRatio is the share of NUL bytes in the head above which a file is
// treated as binary.
const maxNullRatio = 0.10

// Policy holds the configured acceptance limits.
type Policy struct {
	MaxBytes          int64
	AllowedExtensions []string
	AllowedMIMETypes  []string
}

// Upload describes the file as declared by the client.
type Upload struct {
	Name        string
	Size        int64
	ContentType string
}

var leadingSignatures = []struct {
	name  string
	magic []byte
}{
	{"windows executable", []byte("MZ")},
	{"elf executable", []byte("\x7fELF")},
	{"mach-o executable", []byte{0xfe, 0xed, 0xfa, 0xce}},
	{"mach-o executable", []byte{0xfe, 0xed, 0xfa, 0xcf}},
	{"mach-o executable", []byte{0xce, 0xfa, 0xed, 0xfe}},
	{"mach-o executable", []byte{0xcf, 0xfa, 0xed, 0xfe}},
	{"universal binary", []byte{0xca, 0xfe, 0xba, 0xbe}},
	{"zip archive", []byte("PK\x03\x04")},
	{"gzip archive", []byte{0x1f, 0x8b}},
	{"rar archive", []byte("Rar!\x1a\x07")},
	{"7z archive", []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}},
	{"script", []byte("#!")},
}

var embeddedMarkers = []string{
	"<script",
	"javascript:",
	"vbscript:",
	"data:text/html",
	"<?php",
}

// Validate applies the extension, content type, size, signature and
// NUL-byte checks in that order. head holds the first bytes of the file;
// only the first HeadSize are inspected.
func (p Policy) Validate(u Upload, head []byte) error {
	if err := p.CheckMeta(u); err != nil {
		return err
	}
	return Scan(head)
}

// CheckMeta runs the checks that need no file content: extension,
// content type and declared size.
func (p Policy) CheckMeta(u Upload) error {
	ext := strings.ToLower(filepath.Ext(u.Name))
	if !containsFold(p.AllowedExtensions, ext) {
		return failure.Newf(failure.KindUnsupportedFormat,
			"file extension %q is not supported; allowed: %s", ext, strings.Join(p.AllowedExtensions, ", "))
	}
	mediaType, _, err := mime.ParseMediaType(u.ContentType)
	if err != nil || !containsFold(p.AllowedMIMETypes, mediaType) {
		return failure.Newf(failure.KindUnsupportedFormat,
			"content type %q is not supported; allowed: %s", u.ContentType, strings.Join(p.AllowedMIMETypes, ", "))
	}
	return p.CheckSize(u.Size)
}

// CheckSize rejects sizes above the configured maximum.
func (p Policy) CheckSize(size int64) error {
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return failure.Newf(failure.KindTooLarge, "file exceeds the maximum size of %d bytes", p.MaxBytes)
	}
	return nil
}

// Scan inspects the leading bytes for executable, archive and script
// signatures and for binary content.
func Scan(head []byte) error {
	if len(head) > HeadSize {
		head = head[:HeadSize]
	}
	for _, sig := range leadingSignatures {
		if bytes.HasPrefix(head, sig.magic) {
			return failure.Newf(failure.KindSuspiciousContent, "file content looks like a %s", sig.name)
		}
	}
	lower := bytes.ToLower(head)
	for _, marker := range embeddedMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			return failure.Newf(failure.KindSuspiciousContent, "file contains a disallowed %q sequence", marker)
		}
	}
	if len(head) > 0 {
		nulls := bytes.Count(head, []byte{0})
		if float64(nulls)/float64(len(head)) > maxNullRatio {
			return failure.New(failure.KindSuspiciousContent, "file looks like binary data, not text")
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// String renders the policy for logs.
func (p Policy) String() string {
	return fmt.Sprintf("max=%d ext=%v mime=%v", p.MaxBytes, p.AllowedExtensions, p.AllowedMIMETypes)
}
