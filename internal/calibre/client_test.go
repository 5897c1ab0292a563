package calibre

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autofanfic/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// call records one calibredb invocation the stub saw.
type call struct {
	args []string
}

// stubClient returns a client whose executor replays canned responses and
// records every invocation.
func stubClient(t *testing.T, cfg config.Calibre, respond func(args []string) (string, string, error)) (*Client, *[]call) {
	t.Helper()
	calls := &[]call{}
	c := NewClient(testLogger(), cfg)
	c.execute = func(_ context.Context, args []string) (string, string, error) {
		*calls = append(*calls, call{args: args})
		return respond(args)
	}
	return c, calls
}

func libCfg() config.Calibre {
	return config.Calibre{Path: "/library"}
}

func TestAuthFlags(t *testing.T) {
	c := NewClient(testLogger(), config.Calibre{Path: "http://calibre:8080/#lib", Username: "u", Password: "p"})
	got := strings.Join(c.authFlags(), " ")
	want := "--with-library http://calibre:8080/#lib --username u --password p"
	if got != want {
		t.Fatalf("authFlags = %q, want %q", got, want)
	}

	c = NewClient(testLogger(), libCfg())
	got = strings.Join(c.authFlags(), " ")
	if got != "--with-library /library" {
		t.Fatalf("authFlags without credentials = %q", got)
	}
}

func TestVersion(t *testing.T) {
	c, _ := stubClient(t, libCfg(), func(args []string) (string, string, error) {
		return "calibredb (calibre 7.10.0)\n", "", nil
	})
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "7.10.0" {
		t.Fatalf("version = %q, want 7.10.0", v)
	}
}

func TestStoryID(t *testing.T) {
	c, calls := stubClient(t, libCfg(), func(args []string) (string, string, error) {
		return "42,77\n", "", nil
	})
	id, ok := c.StoryID(context.Background(), "site.com/s/1")
	if !ok || id != 42 {
		t.Fatalf("StoryID = (%d, %v), want (42, true)", id, ok)
	}
	args := (*calls)[0].args
	want := []string{"search", "--identifier", "url=site.com/s/1"}
	for i, w := range want {
		if args[i] != w {
			t.Fatalf("args = %v, want prefix %v", args, want)
		}
	}
}

func TestStoryIDMissIsNotAnError(t *testing.T) {
	c, _ := stubClient(t, libCfg(), func(args []string) (string, string, error) {
		return "", "No books matched", errors.New("exit status 1")
	})
	if _, ok := c.StoryID(context.Background(), "site.com/s/404"); ok {
		t.Fatal("search miss must report not-found, not an id")
	}
}

func TestAddReturnsTitleFromFilename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "My Story-ffnet_12345.epub"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	c, _ := stubClient(t, libCfg(), func(args []string) (string, string, error) {
		return "", "", nil
	})
	title, err := c.Add(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if title != "My Story" {
		t.Fatalf("title = %q, want %q", title, "My Story")
	}
}

func TestMetadataParsesForMachineOutput(t *testing.T) {
	c, _ := stubClient(t, libCfg(), func(args []string) (string, string, error) {
		return `[{"id": 42, "title": "My Story", "#readstatus": "reading", "series": null}]`, "", nil
	})
	fields, err := c.Metadata(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if fields["title"] != "My Story" {
		t.Fatalf("title = %q", fields["title"])
	}
	if fields["#readstatus"] != "reading" {
		t.Fatalf("custom field = %q", fields["#readstatus"])
	}
	if fields["series"] != "" {
		t.Fatalf("null field = %q, want empty", fields["series"])
	}
	if fields["id"] != "42" {
		t.Fatalf("numeric field = %q, want \"42\"", fields["id"])
	}
}

func TestSetMetadataRestoresOnlyCustomFieldsByDefault(t *testing.T) {
	c, calls := stubClient(t, libCfg(), func(args []string) (string, string, error) {
		return "", "", nil
	})
	fields := map[string]string{
		"title":       "My Story",
		"#readstatus": "reading",
		"#words":      "120000",
	}
	if err := c.SetMetadata(context.Background(), 42, fields, nil); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 2 {
		t.Fatalf("got %d set_custom calls, want 2", len(*calls))
	}
	// Keys are sorted, so #readstatus comes first; the '#' is stripped for
	// the CLI column name.
	first := (*calls)[0].args
	if first[0] != "set_custom" || first[1] != "readstatus" || first[2] != "reading" || first[3] != "42" {
		t.Fatalf("first call = %v", first)
	}
	second := (*calls)[1].args
	if second[1] != "words" || second[2] != "120000" {
		t.Fatalf("second call = %v", second)
	}
}

func TestCommandErrorTruncatesStderr(t *testing.T) {
	e := &CommandError{
		Args:   []string{"add", "/tmp"},
		Stderr: strings.Repeat("x", 1000),
		Err:    errors.New("exit status 1"),
	}
	if len(e.Error()) > 400 {
		t.Fatalf("error string too long: %d bytes", len(e.Error()))
	}
	if !errors.Is(e, e.Err) {
		t.Fatal("CommandError must unwrap to the underlying error")
	}
}

func TestFindEPUB(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindEPUB(dir); err == nil {
		t.Fatal("empty dir must be an error")
	}
	for _, name := range []string{"b.epub", "a.epub", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	file, err := FindEPUB(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(file) != "a.epub" {
		t.Fatalf("got %q, want the lexically first epub", file)
	}
}
