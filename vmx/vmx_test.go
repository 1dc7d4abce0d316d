package vmx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func writeVMX(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vm.vmx")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write vmx: %v", err)
	}
	return path
}

// --- Parse ---

func TestParse_Basic(t *testing.T) {
	doc, err := Parse(context.Background(), strings.NewReader(`ethernet0.present = "TRUE"`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := doc.Map()
	if len(got) != 1 || got["ethernet0.present"] != "TRUE" {
		t.Errorf("unexpected document: %v", got)
	}
}

func TestParse_CaseAndComments(t *testing.T) {
	input := "# comment\r\n.encoding = \"UTF-8\"\r\nDisplayName=\"my vm\"\r\nnot a pair\r\n\r\nnumvcpus = 2\n"
	doc, err := Parse(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v := doc.Value("displayname"); v != "my vm" {
		t.Errorf("displayname: got %q", v)
	}
	if v := doc.Value("DISPLAYNAME"); v != "my vm" {
		t.Errorf("case-insensitive get: got %q", v)
	}
	if v := doc.Value("numvcpus"); v != "2" {
		t.Errorf("unquoted value: got %q", v)
	}
	if doc.Len() != 3 {
		t.Errorf("expected 3 keys, got %v", doc.Keys())
	}
}

func TestParse_SplitsOnFirstEquals(t *testing.T) {
	doc, err := Parse(context.Background(), strings.NewReader(`annotation = "a=b"`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v := doc.Value("annotation"); v != "a=b" {
		t.Errorf("got %q", v)
	}
}

// --- Serialize ---

func TestSerialize_SortedQuoted(t *testing.T) {
	doc := New("")
	doc.Set("Zeta", "1")
	doc.Set("alpha", "two words")
	want := "alpha = \"two words\"\nzeta = \"1\"\n"
	if got := string(doc.Serialize()); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSerialize_RoundTripIdempotent(t *testing.T) {
	input := "b = \"x\"\r\na = plain\n# c\nc.d = \"\"\ne = \"say \"hi\"\"\n"
	first, err := Parse(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out1 := first.Serialize()
	second, err := Parse(context.Background(), strings.NewReader(string(out1)))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	out2 := second.Serialize()
	if string(out1) != string(out2) {
		t.Errorf("not idempotent:\n%s\n---\n%s", out1, out2)
	}
}

// --- Delete / Flush ---

func TestDeleteAndFlush_EmptyFile(t *testing.T) {
	path := writeVMX(t, `ethernet0.present = "TRUE"`+"\n")
	doc, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	doc.Delete("ethernet0.present")
	if doc.Has("ethernet0.present") {
		t.Error("deleted key still present")
	}
	if err := doc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("expected empty file, got %q", data)
	}
}

func TestDeleteMatching_Keep(t *testing.T) {
	doc := New("")
	doc.Set("ethernet0.present", "TRUE")
	doc.Set("ethernet0.pcislotnumber", "33")
	doc.Set("ethernet1.vnet", "vmnet2")
	doc.Set("displayname", "vm")
	re := regexp.MustCompile(`^ethernet\d+\.`)
	deleted := doc.DeleteMatching(re, func(k string) bool { return strings.HasSuffix(k, ".pcislotnumber") })
	if len(deleted) != 2 {
		t.Errorf("expected 2 deleted, got %v", deleted)
	}
	if !doc.Has("ethernet0.pcislotnumber") || !doc.Has("displayname") {
		t.Errorf("kept keys missing: %v", doc.Keys())
	}
}

// --- Modify ---

func TestModify_ReadModifyWrite(t *testing.T) {
	path := writeVMX(t, "a = \"1\"\n")
	if err := Modify(context.Background(), path, func(d *Document) error {
		d.Set("b", "2")
		return nil
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a = \"1\"\nb = \"2\"\n" {
		t.Errorf("got %q", data)
	}
}

func TestModify_ErrorSkipsWrite(t *testing.T) {
	path := writeVMX(t, "a = \"1\"\n")
	boom := errors.New("boom")
	err := Modify(context.Background(), path, func(d *Document) error {
		d.Delete("a")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a = \"1\"\n" {
		t.Errorf("file changed: %q", data)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "none.vmx")); err == nil {
		t.Fatal("expected error")
	}
}
