package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"allot/pkg/model"
)

const snapshotExt = ".json"

// FileStore 每个作业一个 JSON 文件: <dir>/<job>.json
// 写入走临时文件 + rename，读者不会看到写了一半的快照
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("store dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// Path 作业快照的文件路径
func (s *FileStore) Path(jobName string) string {
	return filepath.Join(s.dir, jobName+snapshotExt)
}

func (s *FileStore) Save(_ context.Context, doc *model.ClusterDoc) error {
	if err := validJobName(doc.JobName); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+doc.JobName+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.Path(doc.JobName))
}

func (s *FileStore) Load(_ context.Context, jobName string) (*model.ClusterDoc, error) {
	if err := validJobName(jobName); err != nil {
		return nil, err
	}
	return ReadFile(s.Path(jobName))
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, snapshotExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) Close() error { return nil }

// ReadFile 直接读取一个快照文件
func ReadFile(path string) (*model.ClusterDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	var doc model.ClusterDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &doc, nil
}

func validJobName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid job name %q", name)
	}
	return nil
}
