package libvirt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TagStore keeps volume tags in one JSON file per volume, since libvirt
// storage volumes carry no metadata of their own.
type TagStore struct {
	dir string
}

// NewTagStore creates a tag store rooted at dir.
func NewTagStore(dir string) (*TagStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create tag directory: %w", err)
	}
	return &TagStore{dir: dir}, nil
}

func (s *TagStore) path(volumeID string) (string, error) {
	if volumeID == "" || strings.ContainsAny(volumeID, `/\`) || strings.Contains(volumeID, "..") {
		return "", fmt.Errorf("invalid volume id: %q", volumeID)
	}
	return filepath.Join(s.dir, volumeID+".tags"), nil
}

// Save writes the tags of a volume.
func (s *TagStore) Save(volumeID string, tags map[string]string) error {
	path, err := s.path(volumeID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write tags file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write tags file: %w", err)
	}
	return nil
}

// Load returns the tags of a volume, or an empty map when none were saved.
func (s *TagStore) Load(volumeID string) (map[string]string, error) {
	path, err := s.path(volumeID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- volume id validated above
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read tags file: %w", err)
	}

	tags := map[string]string{}
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags file %s: %w", path, err)
	}
	return tags, nil
}

// Delete removes the tags of a volume. Missing files are not an error.
func (s *TagStore) Delete(volumeID string) error {
	path, err := s.path(volumeID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove tags file: %w", err)
	}
	return nil
}
