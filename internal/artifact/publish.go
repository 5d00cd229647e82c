package artifact

import (
	"archive/zip"
	"context"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
)

var publishAll = []Rule{{Source: "**"}}

// Publish copies files produced in the workspace of runID into its artifact
// directory and returns the published paths. With no rules every file in
// the workspace is published. A rule whose destination ends in ".zip"
// packs its matches into that archive instead.
func (s *Store) Publish(ctx context.Context, runID int64, rules []Rule) ([]string, error) {
	if len(rules) == 0 {
		rules = publishAll
	}
	workDir := s.WorkDir(runID)
	files, err := s.listFiles(workDir)
	if err != nil {
		return nil, &Error{Kind: IO, Err: err}
	}
	runDir := s.RunDir(runID)
	if err := s.fs.MkdirAll(runDir, 0o755); err != nil {
		return nil, &Error{Kind: IO, Err: err}
	}

	seen := make(map[string]bool)
	var published []string
	for _, rule := range rules {
		if rule.Exclude || rule.IsArchive() {
			continue
		}
		var matched []string
		for _, f := range files {
			if ok, _ := doublestar.Match(rule.Source, f); ok && !excluded(f, rules) {
				matched = append(matched, f)
			}
		}
		if len(matched) == 0 {
			continue
		}

		if strings.EqualFold(filepath.Ext(rule.Dest), ".zip") {
			if err := s.packZip(workDir, filepath.Join(runDir, filepath.FromSlash(rule.Dest)), rule, matched); err != nil {
				return published, &Error{Kind: IO, Rule: rule.String(), Err: err}
			}
			if !seen[rule.Dest] {
				seen[rule.Dest] = true
				published = append(published, rule.Dest)
			}
			continue
		}
		for _, f := range matched {
			rel := target(rule.Source, f, rule.Dest)
			if err := s.copyFile(filepath.Join(workDir, filepath.FromSlash(f)), filepath.Join(runDir, filepath.FromSlash(rel))); err != nil {
				return published, &Error{Kind: IO, Rule: rule.String(), Err: err}
			}
			if !seen[rel] {
				seen[rel] = true
				published = append(published, rel)
			}
		}
	}
	slices.Sort(published)
	ctxlog.FromContext(ctx).Debug("Published artifacts.", "run_id", runID, "count", len(published))
	return published, nil
}

func (s *Store) packZip(workDir, archive string, rule Rule, files []string) error {
	if err := s.fs.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		return err
	}
	out, err := s.fs.Create(archive)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	for _, f := range files {
		w, err := zw.Create(target(rule.Source, f, ""))
		if err != nil {
			out.Close()
			return err
		}
		in, err := s.fs.Open(filepath.Join(workDir, filepath.FromSlash(f)))
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(w, in)
		in.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
