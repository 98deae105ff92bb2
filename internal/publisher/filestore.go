package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps objects in a local directory with a JSON sidecar holding
// the content type and metadata.
type FileStore struct {
	dir string
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create publish dir: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

// Put commits the sidecar and then the object. If the object cannot be
// committed the previous sidecar is put back, so a failed Put leaves any
// prior object and its metadata as they were.
func (s *FileStore) Put(ctx context.Context, key string, src io.Reader, contentType string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	meta, err := json.Marshal(sidecar{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, key)
	metaPath := path + ".json"

	objTmp, err := s.writeTemp(src)
	if err != nil {
		return "", err
	}
	defer os.Remove(objTmp)
	metaTmp, err := s.writeTemp(bytes.NewReader(meta))
	if err != nil {
		return "", err
	}
	defer os.Remove(metaTmp)

	prior, err := os.ReadFile(metaPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read sidecar: %w", err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		return "", err
	}
	if err := os.Rename(objTmp, path); err != nil {
		if rerr := s.restoreSidecar(metaPath, prior); rerr != nil {
			return "", errors.Join(err, fmt.Errorf("restore sidecar: %w", rerr))
		}
		return "", err
	}
	return "file://" + path, nil
}

// restoreSidecar puts back the sidecar that existed before a failed Put,
// or removes the new one when there was none.
func (s *FileStore) restoreSidecar(metaPath string, prior []byte) error {
	if prior == nil {
		return os.Remove(metaPath)
	}
	tmp, err := s.writeTemp(bytes.NewReader(prior))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// writeTemp copies src into a new temp file in the store directory and
// returns its name.
func (s *FileStore) writeTemp(src io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

// ReadMetadata returns the sidecar stored for key.
func (s *FileStore) ReadMetadata(key string) (string, map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, key+".json"))
	if err != nil {
		return "", nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return "", nil, err
	}
	return sc.ContentType, sc.Metadata, nil
}
