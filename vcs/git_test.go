package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/izavyalov-dev/delta-select/catalog"
)

var testUnits = []catalog.Unit{
	{ID: "root", Paths: []string{"."}},
	{ID: "api", Paths: []string{"services/api"}},
	{ID: "payments", Paths: []string{"services/api/payments", "libs/money"}},
}

func TestMapperPrefersSpecificOwner(t *testing.T) {
	mapper := NewPathMapper(testUnits)
	cases := map[string]string{
		"services/api/main.go":            "api",
		"services/api/payments/charge.go": "payments",
		"libs/money/round.go":             "payments",
		"tools/gen.go":                    "root",
	}
	for path, want := range cases {
		if got, _ := mapper.Owner(path); got != want {
			t.Fatalf("owner of %s: expected %s, got %s", path, want, got)
		}
	}
}

func TestClassifyDocsAndGlobalPaths(t *testing.T) {
	mapper := NewPathMapper(testUnits[1:])
	if _, ignored := mapper.Classify("docs/guide.md"); !ignored {
		t.Fatalf("expected docs path to be ignored")
	}
	if id, _ := mapper.Classify("go.mod"); id != GlobalUnitPrefix+"go.mod" {
		t.Fatalf("expected global unit, got %s", id)
	}
	if id, _ := mapper.Classify("infra/main.tf"); id != UnownedUnitPrefix+"infra/main.tf" {
		t.Fatalf("expected unowned unit, got %s", id)
	}
}

const sampleDiff = `diff --git a/services/api/payments/charge.go b/services/api/payments/charge.go
index 1111111..2222222 100644
--- a/services/api/payments/charge.go
+++ b/services/api/payments/charge.go
@@ -10,1 +10,1 @@ func Charge() {
-	return nil
+	return validate()
diff --git a/services/api/refund.go b/services/api/refund.go
new file mode 100644
index 0000000..3333333
--- /dev/null
+++ b/services/api/refund.go
@@ -0,0 +1,3 @@
+package api
+
+func Refund() {}
diff --git a/README.md b/README.md
index 4444444..5555555 100644
--- a/README.md
+++ b/README.md
@@ -1,1 +1,1 @@
-old
+new
`

func TestParseChangesMapsUnitsAndStructure(t *testing.T) {
	changes, err := ParseChanges([]byte(sampleDiff), NewPathMapper(testUnits[1:]))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(changes.ChangeSet.Units, []string{"payments", "api"}) {
		t.Fatalf("unexpected units: %v", changes.ChangeSet.Units)
	}
	if !reflect.DeepEqual(changes.ChangeSet.Ignored, []string{"README.md"}) {
		t.Fatalf("unexpected ignored paths: %v", changes.ChangeSet.Ignored)
	}
	if !reflect.DeepEqual(changes.Structural, []string{"api"}) {
		t.Fatalf("unexpected structural units: %v", changes.Structural)
	}
	if !strings.Contains(changes.ChangeSet.Diffs["payments"], "validate()") {
		t.Fatalf("expected payments diff, got %q", changes.ChangeSet.Diffs["payments"])
	}
}

func TestChangedUnitsSinceRequiresRef(t *testing.T) {
	source := &GitSource{RepoRoot: ".", Mapper: NewPathMapper(nil)}
	if _, err := source.ChangedUnitsSince(context.Background(), ""); err != ErrRefRequired {
		t.Fatalf("expected ErrRefRequired, got %v", err)
	}
}

func TestChangedUnitsSinceRejectsOptionLikeRef(t *testing.T) {
	target := filepath.Join(t.TempDir(), "written")
	source := &GitSource{RepoRoot: ".", Mapper: NewPathMapper(nil)}
	for _, ref := range []string{"--output=" + target, " -p", "-"} {
		if _, err := source.ChangedUnitsSince(context.Background(), ref); !errors.Is(err, ErrInvalidRef) {
			t.Fatalf("ref %q: expected ErrInvalidRef, got %v", ref, err)
		}
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected no file written, stat err=%v", err)
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir, "-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func TestGitSourceAgainstRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	write := func(name, content string) {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("services/api/main.go", "package api\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	write("services/api/main.go", "package api\n\nfunc Serve() {}\n")

	source, err := NewGitSource(dir, testUnits[1:])
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	changes, err := source.ChangedUnitsSince(context.Background(), "HEAD")
	if err != nil {
		t.Fatalf("changed units: %v", err)
	}
	if !reflect.DeepEqual(changes.ChangeSet.Units, []string{"api"}) || changes.ChangeSet.Ref != "HEAD" {
		t.Fatalf("unexpected changes: %+v", changes)
	}

	commits, err := source.CommitHistoryFor(context.Background(), "api", 24*time.Hour)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(commits) != 1 || commits[0].Subject != "initial" {
		t.Fatalf("unexpected history: %+v", commits)
	}
	if _, err := source.CommitHistoryFor(context.Background(), "ghost", time.Hour); err == nil {
		t.Fatalf("expected error for unit without paths")
	}
}
