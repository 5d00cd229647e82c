package artifact

import (
	"archive/zip"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/specialistvlad/buildgridgo/internal/ctxlog"
)

// Input describes the artifacts one dependency edge brings into a workspace.
type Input struct {
	UpstreamBuildType string
	// UpstreamRunID is zero when no upstream run is available, which stages
	// nothing.
	UpstreamRunID    int64
	Rules            []Rule
	CleanDestination bool
	Strict           bool
}

// Stage copies upstream artifacts into the workspace of runID and returns
// the staged paths relative to the workspace. Each destination directory of
// an edge with CleanDestination is emptied once per call, so staging the
// same inputs twice leaves the same files behind.
func (s *Store) Stage(ctx context.Context, runID int64, inputs []Input) ([]string, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", runID)
	workDir, err := s.PrepareWorkDir(runID)
	if err != nil {
		return nil, err
	}

	cleaned := make(map[string]bool)
	var staged []string
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return staged, err
		}
		var files []string
		if in.UpstreamRunID != 0 {
			if files, err = s.List(in.UpstreamRunID); err != nil {
				return staged, &Error{Kind: IO, Upstream: in.UpstreamBuildType, Err: err}
			}
		}
		srcDir := s.RunDir(in.UpstreamRunID)

		for _, rule := range in.Rules {
			if rule.Exclude {
				continue
			}
			_, destDir, err := inside(workDir, rule.Dest)
			if err != nil {
				return staged, &Error{Kind: IO, Upstream: in.UpstreamBuildType, Rule: rule.String(), Err: err}
			}
			if in.CleanDestination && !cleaned[destDir] {
				if err := s.fs.RemoveAll(destDir); err != nil {
					return staged, &Error{Kind: IO, Upstream: in.UpstreamBuildType, Rule: rule.String(), Err: err}
				}
				if err := s.fs.MkdirAll(destDir, 0o755); err != nil {
					return staged, &Error{Kind: IO, Upstream: in.UpstreamBuildType, Rule: rule.String(), Err: err}
				}
				cleaned[destDir] = true
			}

			var got []string
			if rule.IsArchive() {
				got, err = s.extract(ctx, srcDir, workDir, files, rule, in.Rules)
			} else {
				got, err = s.copyMatching(srcDir, workDir, files, rule, in.Rules)
			}
			if err != nil {
				return staged, &Error{Kind: IO, Upstream: in.UpstreamBuildType, Rule: rule.String(), Err: err}
			}
			if len(got) == 0 {
				if in.Strict {
					return staged, &Error{Kind: NoMatch, Upstream: in.UpstreamBuildType, Rule: rule.String()}
				}
				logger.Debug("Artifact rule matched nothing.", "upstream", in.UpstreamBuildType, "rule", rule.String())
			}
			staged = append(staged, got...)
		}
	}
	logger.Debug("Staged artifacts.", "count", len(staged))
	return staged, nil
}

func excluded(name string, rules []Rule) bool {
	ex := false
	for _, r := range rules {
		if !r.IsArchive() {
			if ok, _ := doublestar.Match(r.Source, name); ok {
				ex = r.Exclude
			}
		}
	}
	return ex
}

func (s *Store) copyMatching(srcDir, workDir string, files []string, rule Rule, all []Rule) ([]string, error) {
	var out []string
	for _, f := range files {
		if ok, _ := doublestar.Match(rule.Source, f); !ok || excluded(f, all) {
			continue
		}
		rel, dst, err := inside(workDir, target(rule.Source, f, rule.Dest))
		if err != nil {
			return out, err
		}
		if err := s.copyFile(filepath.Join(srcDir, filepath.FromSlash(f)), dst); err != nil {
			return out, err
		}
		out = append(out, rel)
	}
	return out, nil
}

func (s *Store) extract(ctx context.Context, srcDir, workDir string, files []string, rule Rule, all []Rule) ([]string, error) {
	var out []string
	for _, f := range files {
		if ok, _ := doublestar.Match(rule.Source, f); !ok || excluded(f, all) {
			continue
		}
		if !strings.EqualFold(filepath.Ext(f), ".zip") {
			ctxlog.FromContext(ctx).Warn("Skipping unsupported archive format.", "archive", f, "rule", rule.String())
			continue
		}
		got, err := s.extractZip(filepath.Join(srcDir, filepath.FromSlash(f)), workDir, rule)
		if err != nil {
			return out, fmt.Errorf("extract %s: %w", f, err)
		}
		out = append(out, got...)
	}
	return out, nil
}

func (s *Store) extractZip(archive, workDir string, rule Rule) ([]string, error) {
	file, err := s.fs.Open(archive)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(file, info.Size())
	if err != nil {
		return nil, err
	}

	var out []string
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimPrefix(entry.Name, "/")
		if ok, _ := doublestar.Match(rule.Inner, name); !ok {
			continue
		}
		rel, dst, err := inside(workDir, target(rule.Inner, name, rule.Dest))
		if err != nil {
			return out, fmt.Errorf("entry %q: %w", entry.Name, err)
		}
		rc, err := entry.Open()
		if err != nil {
			return out, err
		}
		err = s.writeFile(dst, rc)
		rc.Close()
		if err != nil {
			return out, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// inside cleans a slash-separated path relative to workDir and returns it
// with its location on disk. Paths that leave workDir are rejected.
func inside(workDir, rel string) (string, string, error) {
	clean := path.Clean(rel)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", fmt.Errorf("%q escapes the workspace", rel)
	}
	dst := filepath.Join(workDir, filepath.FromSlash(clean))
	if r, err := filepath.Rel(workDir, dst); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%q escapes the workspace", rel)
	}
	return clean, dst, nil
}
