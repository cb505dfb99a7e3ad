// Package scan 把本地目录登记到状态库，是扫描器协作者的命令行实现.
// 内容标识取文件内容的 xxhash64，只在文件变化时更新.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/yeisme/indexsync/pkg/internal/store"
	nlog "github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/rule"
)

// Report 一次登记的结果.
type Report struct {
	Seen    int      `json:"seen"`
	Created int      `json:"created"`
	Changed int      `json:"changed"`
	Missing []string `json:"missing,omitempty"`
}

// Scanner 以 Root 为根登记文件.
type Scanner struct {
	store *store.Store
	root  string
	log   zerolog.Logger
}

// New 创建扫描器.
func New(s *store.Store, root string) *Scanner {
	return &Scanner{store: s, root: root, log: nlog.Component("scan")}
}

// Rel 把命令行参数转换为相对 Root 的斜杠路径. 绝对路径必须位于 Root 之内.
func (s *Scanner) Rel(arg string) (string, error) {
	p := arg

	if filepath.IsAbs(p) {
		root, err := filepath.Abs(s.root)
		if err != nil {
			return "", err
		}

		if p, err = filepath.Rel(root, p); err != nil {
			return "", err
		}
	}

	p = path.Clean(filepath.ToSlash(p))
	if p == "." {
		return p, nil
	}

	if !rule.IsRelPath(p) {
		return "", fmt.Errorf("%s is outside root %s", arg, s.root)
	}

	return p, nil
}

// Track 登记 args 指向的文件或目录. 目录递归遍历（跳过以 . 开头的条目），
// 之前登记过、但这次在遍历范围内没有出现的文件被标记为 missing.
func (s *Scanner) Track(ctx context.Context, args ...string) (Report, error) {
	var report Report

	root, err := os.OpenRoot(s.root)
	if err != nil {
		return report, fmt.Errorf("open root: %w", err)
	}
	defer root.Close()

	fsys := root.FS()

	for _, arg := range args {
		rel, err := s.Rel(arg)
		if err != nil {
			return report, err
		}

		info, err := fs.Stat(fsys, rel)
		if errors.Is(err, fs.ErrNotExist) {
			if err := s.vanished(ctx, rel, &report); err != nil {
				return report, err
			}

			continue
		}

		if err != nil {
			return report, err
		}

		if !info.IsDir() {
			if err := s.trackFile(ctx, fsys, rel, &report); err != nil {
				return report, err
			}

			continue
		}

		if err := s.trackDir(ctx, fsys, rel, &report); err != nil {
			return report, err
		}
	}

	s.log.Info().Int("seen", report.Seen).Int("created", report.Created).
		Int("changed", report.Changed).Int("missing", len(report.Missing)).Msg("track finished")

	return report, nil
}

func (s *Scanner) trackDir(ctx context.Context, fsys fs.FS, dir string, report *Report) error {
	seen := make(map[string]struct{})

	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		seen[p] = struct{}{}

		return s.trackFile(ctx, fsys, p, report)
	})
	if err != nil {
		return err
	}

	prefix := ""
	if dir != "." {
		prefix = dir + "/"
	}

	tracked, err := s.store.Paths(ctx, prefix)
	if err != nil {
		return err
	}

	for _, p := range tracked {
		if _, ok := seen[p]; ok {
			continue
		}

		if err := s.markMissing(ctx, p, report); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scanner) trackFile(ctx context.Context, fsys fs.FS, p string, report *Report) error {
	id, err := ContentID(fsys, p)
	if err != nil {
		return err
	}

	res, err := s.store.Track(ctx, p, id)
	if err != nil {
		return err
	}

	report.Seen++

	switch {
	case res.Created:
		report.Created++
	case res.ContentChanged:
		report.Changed++
		s.log.Debug().Str("path", p).Str("content_id", id).Msg("content changed")
	}

	return nil
}

// vanished 参数本身已不存在：登记过的文件标记为 missing，其余忽略.
func (s *Scanner) vanished(ctx context.Context, rel string, report *Report) error {
	if _, err := s.store.Get(ctx, rel); err == nil {
		return s.markMissing(ctx, rel, report)
	}

	tracked, err := s.store.Paths(ctx, rel+"/")
	if err != nil {
		return err
	}

	for _, p := range tracked {
		if err := s.markMissing(ctx, p, report); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scanner) markMissing(ctx context.Context, p string, report *Report) error {
	rec, err := s.store.Get(ctx, p)
	if err != nil {
		return err
	}

	if rec.Missing {
		return nil
	}

	if err := s.store.MarkMissing(ctx, p); err != nil {
		return err
	}

	report.Missing = append(report.Missing, p)

	return nil
}

// ContentID 计算文件内容的 xxhash64，十六进制表示.
func ContentID(fsys fs.FS, p string) (string, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}

	return fmt.Sprintf("%016x", h.Sum64()), nil
}
