// Package nodefs reads and writes node directories under the servers root:
//
//	<root>/<uuid>/sysinfo.json   full node record
//	<root>/<uuid>/disks.json     ordered disk descriptors
//	<root>/<uuid>/logs/          agent logs
//
// Entries whose name starts with a dot are ignored; they hold node
// directories that are still being written.
package nodefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"evalgo.org/mockcloud/models"
)

const (
	// RecordFile holds the full node record.
	RecordFile = "sysinfo.json"

	// DisksFile holds the disk descriptor list.
	DisksFile = "disks.json"

	// LogsDir holds agent log files.
	LogsDir = "logs"

	stagingPrefix = ".staging-"
)

// ErrExists is returned by Write when the node directory is already present.
var ErrExists = errors.New("node directory already exists")

// Layout locates node directories under Root.
type Layout struct {
	Root string
}

// NodeDir returns the directory of the node.
func (l Layout) NodeDir(uuid string) string {
	return filepath.Join(l.Root, uuid)
}

// LogDir returns the log directory of the node.
func (l Layout) LogDir(uuid string) string {
	return filepath.Join(l.Root, uuid, LogsDir)
}

// List returns the node directory names, sorted. A missing root yields an
// empty list.
func (l Layout) List() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read servers root: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether the node directory is present.
func (l Layout) Exists(uuid string) (bool, error) {
	_, err := os.Stat(l.NodeDir(uuid))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ReadRecord loads the node record of uuid.
func (l Layout) ReadRecord(uuid string) (*models.NodeRecord, error) {
	data, err := os.ReadFile(filepath.Join(l.NodeDir(uuid), RecordFile))
	if err != nil {
		return nil, err
	}
	var rec models.NodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse %s for %s: %w", RecordFile, uuid, err)
	}
	if rec.UUID == "" {
		rec.UUID = uuid
	}
	return &rec, nil
}

// ReadDisks loads the disk descriptors of uuid.
func (l Layout) ReadDisks(uuid string) ([]models.DiskDescriptor, error) {
	data, err := os.ReadFile(filepath.Join(l.NodeDir(uuid), DisksFile))
	if err != nil {
		return nil, err
	}
	var disks []models.DiskDescriptor
	if err := json.Unmarshal(data, &disks); err != nil {
		return nil, fmt.Errorf("failed to parse %s for %s: %w", DisksFile, uuid, err)
	}
	return disks, nil
}

// EnsureLogDir creates the log directory of uuid if needed.
func (l Layout) EnsureLogDir(uuid string) (string, error) {
	dir := l.LogDir(uuid)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return dir, nil
}

// Write creates the node directory for rec. The files are written into a
// staging directory that is renamed into place, so a reader never sees a
// partial node directory.
func (l Layout) Write(rec *models.NodeRecord) error {
	if rec == nil || rec.UUID == "" {
		return fmt.Errorf("record has no UUID")
	}
	if exists, err := l.Exists(rec.UUID); err != nil {
		return err
	} else if exists {
		return ErrExists
	}

	if err := os.MkdirAll(l.Root, 0755); err != nil {
		return fmt.Errorf("failed to create servers root: %w", err)
	}
	staging, err := os.MkdirTemp(l.Root, stagingPrefix)
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := writeJSON(filepath.Join(staging, RecordFile), rec); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(staging, DisksFile), rec.DiskDescriptors()); err != nil {
		return err
	}
	if err := os.Mkdir(filepath.Join(staging, LogsDir), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := os.Rename(staging, l.NodeDir(rec.UUID)); err != nil {
		if exists, _ := l.Exists(rec.UUID); exists {
			return ErrExists
		}
		return fmt.Errorf("failed to move node directory into place: %w", err)
	}
	return nil
}

// Remove deletes the node directory.
func (l Layout) Remove(uuid string) error {
	if uuid == "" || strings.ContainsAny(uuid, `/\`) || uuid == "." || uuid == ".." {
		return fmt.Errorf("invalid node directory name %q", uuid)
	}
	if err := os.RemoveAll(l.NodeDir(uuid)); err != nil {
		return fmt.Errorf("failed to remove node directory: %w", err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
