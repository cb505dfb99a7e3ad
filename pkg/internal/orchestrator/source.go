package orchestrator

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// Source 提供待上传文件的内容. 每次上传尝试都会重新打开.
type Source interface {
	Open(ctx context.Context, path string) (io.ReadCloser, int64, error)
}

// DirSource 从本地目录读取文件，path 为相对 Root 的路径，不能逃出 Root.
type DirSource struct {
	Root string
}

// Open 打开 Root 下的文件并返回其大小.
func (d DirSource) Open(_ context.Context, path string) (io.ReadCloser, int64, error) {
	f, err := os.OpenInRoot(d.Root, filepath.FromSlash(path))
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}

	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}

	return f, info.Size(), nil
}

// localError 本地读取失败，与远端错误分开处理，不参与远端重试.
type localError struct {
	err error
}

func (e *localError) Error() string { return "read local file: " + e.err.Error() }

func (e *localError) Unwrap() error { return e.err }

func contentType(path, fallback string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}

	return fallback
}
