package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/izavyalov-dev/delta-select/catalog"
)

const (
	defaultRepoRootEnv = "DELTA_SELECT_REPO_ROOT"
	devNull            = "/dev/null"
)

var (
	ErrRefRequired = errors.New("vcs: ref is required")
	ErrInvalidRef  = errors.New("vcs: ref must not start with '-'")
	ErrUnknownUnit = errors.New("vcs: unit has no declared paths")
)

// Changes is the result of comparing the working tree against a ref.
type Changes struct {
	ChangeSet catalog.ChangeSet `json:"change_set"`
	// Structural lists units where files were added or removed, so their
	// dependency data may be out of date.
	Structural []string `json:"structural,omitempty"`
	Paths      []string `json:"paths"`
}

// Commit is one entry of a unit's history.
type Commit struct {
	SHA     string    `json:"sha"`
	Time    time.Time `json:"time"`
	Subject string    `json:"subject"`
}

// Source is the source-control contract used by the selector.
type Source interface {
	ChangedUnitsSince(ctx context.Context, ref string) (Changes, error)
	CommitHistoryFor(ctx context.Context, unitID string, window time.Duration) ([]Commit, error)
}

// GitSource shells out to git in a local checkout.
type GitSource struct {
	RepoRoot string
	Mapper   *PathMapper

	now func() time.Time
}

func NewGitSource(repoRoot string, units []catalog.Unit) (*GitSource, error) {
	root, err := resolveRepoRoot(repoRoot)
	if err != nil {
		return nil, err
	}
	return &GitSource{RepoRoot: root, Mapper: NewPathMapper(units), now: time.Now}, nil
}

// Remap rebuilds path ownership after the unit catalog changed.
func (g *GitSource) Remap(units []catalog.Unit) {
	g.Mapper = NewPathMapper(units)
}

func (g *GitSource) ChangedUnitsSince(ctx context.Context, ref string) (Changes, error) {
	if strings.TrimSpace(ref) == "" {
		return Changes{}, ErrRefRequired
	}
	// A leading dash would be parsed as a git option.
	if strings.HasPrefix(strings.TrimSpace(ref), "-") {
		return Changes{}, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	out, err := g.git(ctx, "diff", "--no-color", "--no-ext-diff", "--unified=0", ref, "--")
	if err != nil {
		return Changes{}, err
	}
	changes, err := ParseChanges(out, g.Mapper)
	if err != nil {
		return Changes{}, err
	}
	changes.ChangeSet.Ref = ref
	return changes, nil
}

func (g *GitSource) CommitHistoryFor(ctx context.Context, unitID string, window time.Duration) ([]Commit, error) {
	paths := g.Mapper.Paths(unitID)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	since := now().Add(-window).UTC().Format(time.RFC3339)
	args := []string{"log", "--no-color", "--since=" + since, "--format=%H%x1f%ct%x1f%s", "--"}
	args = append(args, paths...)
	out, err := g.git(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseLog(out)
}

func (g *GitSource) git(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.RepoRoot}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ParseChanges maps a unified multi-file diff onto units.
func ParseChanges(data []byte, mapper *PathMapper) (Changes, error) {
	files, err := diff.NewMultiFileDiffReader(bytes.NewReader(data)).ReadAllFiles()
	if err != nil {
		return Changes{}, fmt.Errorf("parse diff: %w", err)
	}
	if mapper == nil {
		mapper = NewPathMapper(nil)
	}

	changes := Changes{ChangeSet: catalog.NewChangeSet("")}
	diffs := make(map[string]*bytes.Buffer)
	structural := make(map[string]struct{})
	for _, fd := range files {
		path, added, removed := filePath(fd)
		if path == "" {
			continue
		}
		changes.Paths = append(changes.Paths, path)
		unitID, ignored := mapper.Classify(path)
		if ignored {
			changes.ChangeSet.Ignored = append(changes.ChangeSet.Ignored, path)
			continue
		}
		changes.ChangeSet.Add(unitID)
		if added || removed || renamed(fd) {
			structural[unitID] = struct{}{}
		}
		printed, err := diff.PrintFileDiff(fd)
		if err != nil {
			continue
		}
		buf, ok := diffs[unitID]
		if !ok {
			buf = &bytes.Buffer{}
			diffs[unitID] = buf
		}
		buf.Write(printed)
	}
	if len(diffs) > 0 {
		changes.ChangeSet.Diffs = make(map[string]string, len(diffs))
		for unitID, buf := range diffs {
			changes.ChangeSet.Diffs[unitID] = buf.String()
		}
	}
	changes.Structural = catalog.SortedKeys(structural)
	sort.Strings(changes.Paths)
	sort.Strings(changes.ChangeSet.Ignored)
	return changes, nil
}

func filePath(fd *diff.FileDiff) (path string, added, removed bool) {
	orig := stripPrefix(fd.OrigName)
	next := stripPrefix(fd.NewName)
	switch {
	case fd.OrigName == devNull:
		return next, true, false
	case fd.NewName == devNull:
		return orig, false, true
	case next != "":
		return next, false, false
	default:
		return orig, false, false
	}
}

func renamed(fd *diff.FileDiff) bool {
	if fd.OrigName == devNull || fd.NewName == devNull {
		return false
	}
	return stripPrefix(fd.OrigName) != stripPrefix(fd.NewName)
}

func stripPrefix(name string) string {
	if name == devNull {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

func parseLog(out []byte) ([]Commit, error) {
	var commits []Commit
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\x1f", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("unexpected git log line %q", line)
		}
		seconds, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse commit time: %w", err)
		}
		commit := Commit{SHA: fields[0], Time: time.Unix(seconds, 0).UTC()}
		if len(fields) == 3 {
			commit.Subject = fields[2]
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

func resolveRepoRoot(repoRoot string) (string, error) {
	if repoRoot == "" {
		repoRoot = os.Getenv(defaultRepoRootEnv)
	}
	if repoRoot == "" {
		repoRoot = "."
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", err
	}
	return abs, nil
}
