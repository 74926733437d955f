package submit

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/seantiz/kiln/bundle"
)

// Ignore files read from the project root. Both use gitignore-style lines.
var ignoreFiles = []string{".kilnignore", ".gitignore"}

// Always excluded, whatever the ignore files say.
var alwaysExcluded = []string{".git", ".kiln"}

// Package is a sealed, content-addressed snapshot of a project tree.
type Package struct {
	Digest    string
	Archive   []byte
	Files     []string
	FileCount int
	// Size is the total size of the packaged files before compression.
	Size int64
}

// Packager snapshots project trees.
type Packager struct {
	// Exclude adds glob patterns on top of the ignore files.
	Exclude []string
}

// Package walks root, applies the ignore rules and seals what is left.
// Identical trees always yield the same digest and archive bytes.
func (p *Packager) Package(ctx context.Context, root string) (*Package, error) {
	rules, err := loadRules(root, p.Exclude)
	if err != nil {
		return nil, err
	}

	src := bundle.NewSources()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rules.excluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || rules.excluded(rel, false) {
			return nil
		}
		return src.AddFile(rel, path)
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sealed := bundle.NewMemorySink()
	if err := src.EncodeBundle(sealed); err != nil {
		return nil, fmt.Errorf("read project files: %w", err)
	}
	reader := sealed.Reader()

	digest, err := bundle.Digest(reader)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	var archive bytes.Buffer
	if err := bundle.WriteArchive(&archive, reader); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	files, _ := reader.List()

	return &Package{
		Digest:    digest,
		Archive:   archive.Bytes(),
		Files:     files,
		FileCount: reader.Len(),
		Size:      reader.Size(),
	}, nil
}

type rule struct {
	pattern string
	negate  bool
	dirOnly bool
}

type ruleSet []rule

// loadRules reads the ignore files and appends extra patterns. Later rules
// win, so a "!" line can re-include something excluded earlier. The always
// excluded names go last and cover files too, so no user rule overrides them.
func loadRules(root string, extra []string) (ruleSet, error) {
	var rules ruleSet
	for _, name := range ignoreFiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			r, ok, err := parseRule(sc.Text())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			if ok {
				rules = append(rules, r)
			}
		}
	}
	for _, line := range extra {
		r, ok, err := parseRule(line)
		if err != nil {
			return nil, fmt.Errorf("exclude: %w", err)
		}
		if ok {
			rules = append(rules, r)
		}
	}
	for _, name := range alwaysExcluded {
		rules = append(rules, rule{pattern: "**/" + name})
	}
	return rules, nil
}

func parseRule(line string) (rule, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false, nil
	}
	var r rule
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	anchored := strings.HasPrefix(line, "/") || strings.Contains(line, "/")
	line = strings.TrimPrefix(line, "/")
	if !anchored {
		line = "**/" + line
	}
	if !doublestar.ValidatePattern(line) {
		return rule{}, false, fmt.Errorf("invalid pattern %q", line)
	}
	r.pattern = line
	return r, true, nil
}

func (rs ruleSet) excluded(rel string, isDir bool) bool {
	excluded := false
	for _, r := range rs {
		if r.dirOnly && !isDir {
			// A directory rule still covers the files below it; the walk
			// skips those directories, so only the file itself matters here.
			continue
		}
		if r.matches(rel) {
			excluded = !r.negate
		}
	}
	return excluded
}

func (r rule) matches(rel string) bool {
	if ok, _ := doublestar.Match(r.pattern, rel); ok {
		return true
	}
	if !strings.HasPrefix(r.pattern, "**/") {
		return false
	}
	ok, _ := doublestar.Match(strings.TrimPrefix(r.pattern, "**/"), rel)
	return ok
}
