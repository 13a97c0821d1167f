// SPDX-License-Identifier: Apache-2.0

package sysfs

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// Root is the mount point of the kernel attribute tree on a live system.
const Root = "/"

// Accessor reads and writes individual kernel attribute files below a root
// directory. All paths handed to an Accessor are absolute paths as they
// appear on a live system, e.g. /sys/class/typec/port0/data_role; they are
// resolved relative to the root so that tests can stage a fake tree.
//
// An Accessor holds no state beyond its root and is safe for concurrent use.
type Accessor struct {
	root   string
	fsys   fs.FS
	logger log.Logger
}

// New returns an Accessor rooted at root. A nil logger discards output.
func New(root string, logger log.Logger) *Accessor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if root == "" {
		root = Root
	}
	return &Accessor{
		root:   root,
		fsys:   os.DirFS(root),
		logger: logger,
	}
}

func rel(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return "."
	}
	return p
}

// Path maps a live-system path to the file system path below the root.
func (a *Accessor) Path(p string) string {
	return filepath.Join(a.root, filepath.FromSlash(rel(p)))
}

// Read returns the raw content of the attribute at p.
func (a *Accessor) Read(p string) (string, error) {
	content, err := fs.ReadFile(a.fsys, rel(p))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", p)
	}
	return string(content), nil
}

// ReadTrimmed returns the content of the attribute at p with surrounding
// whitespace removed.
func (a *Accessor) ReadTrimmed(p string) (string, error) {
	content, err := a.Read(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// ReadUint parses the attribute at p as an unsigned integer. The base is
// inferred from the prefix, so both "42" and "0x2a" are accepted.
func (a *Accessor) ReadUint(p string) (uint64, error) {
	content, err := a.ReadTrimmed(p)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(content, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s", p)
	}
	return v, nil
}

// ReadInt parses the attribute at p as a signed decimal integer.
func (a *Accessor) ReadInt(p string) (int64, error) {
	content, err := a.ReadTrimmed(p)
	if err != nil {
		return 0, err
	}
	var v int64
	if _, err := fmt.Sscanf(content, "%d", &v); err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s", p)
	}
	return v, nil
}

// Write writes content to an existing attribute file. Attribute files are
// never created: a missing node is reported as an error.
func (a *Accessor) Write(p string, content string) error {
	_ = level.Debug(a.logger).Log("msg", "writing attribute", "path", p, "value", content)
	f, err := os.OpenFile(a.Path(p), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s for writing", p)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	if _, err = f.WriteString(content); err != nil {
		return errors.Wrapf(err, "failed to write %q to %s", content, p)
	}
	return nil
}

// Exists reports whether p resolves to an existing file or directory.
// Symbolic links are followed.
func (a *Accessor) Exists(p string) bool {
	_, err := fs.Stat(a.fsys, rel(p))
	return err == nil
}

// IsDir reports whether p resolves to a directory.
func (a *Accessor) IsDir(p string) bool {
	fi, err := fs.Stat(a.fsys, rel(p))
	return err == nil && fi.IsDir()
}

// ReadDir lists the entries of the directory at p.
func (a *Accessor) ReadDir(p string) ([]fs.DirEntry, error) {
	entries, err := fs.ReadDir(a.fsys, rel(p))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", p)
	}
	return entries, nil
}

// Attribute is an attribute file held open so that the kernel can signal
// changes to it through the file descriptor.
type Attribute struct {
	path string
	fd   int
}

// OpenAttribute opens the attribute at p read-only and non-blocking.
func (a *Accessor) OpenAttribute(p string) (*Attribute, error) {
	fd, err := unix.Open(a.Path(p), unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", p)
	}
	return &Attribute{path: p, fd: fd}, nil
}

func (at *Attribute) Fd() int { return at.fd }

func (at *Attribute) Path() string { return at.path }

// ReadCurrent reads the attribute from the beginning through the held
// descriptor. Nodes that cannot seek, such as pipes, are read as a stream.
func (at *Attribute) ReadCurrent() (string, error) {
	buf := make([]byte, 4096)
	n, err := unix.Pread(at.fd, buf, 0)
	if err == unix.ESPIPE {
		n, err = unix.Read(at.fd, buf)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", at.path)
	}
	if n <= 0 {
		return "", errors.Newf("no data available in %s", at.path)
	}
	return string(buf[:n]), nil
}

func (at *Attribute) Close() error {
	return unix.Close(at.fd)
}

// I2CClientDir locates the directory of the I2C client with the given
// address on the adapter below controllerDir. The adapter is discovered
// from the controller's "i2c-N" child; the client directory is then
// "i2c-N/N-<address>".
func (a *Accessor) I2CClientDir(controllerDir string, address string) (string, error) {
	entries, err := a.ReadDir(controllerDir)
	if err != nil {
		return "", err
	}
	bus := ""
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "i2c-") {
			continue
		}
		if !e.IsDir() && e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		bus = strings.TrimPrefix(name, "i2c-")
	}
	if bus == "" {
		return "", errors.Newf("no i2c adapter found below %s", controllerDir)
	}
	return path.Join(controllerDir, "i2c-"+bus, bus+"-"+address), nil
}
