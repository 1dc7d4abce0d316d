package vmx

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/projecteru2/core/log"
)

var (
	lineRe   = regexp.MustCompile(`^(.+?)\s*=\s*(.*?)\s*$`)
	quotedRe = regexp.MustCompile(`^".*?"$`)
)

// Document is an in-memory VMX configuration. Keys are stored lowercase.
// A deleted key stays in the map as absent until the document is flushed,
// so a re-parse of the flushed file no longer contains it.
type Document struct {
	path   string
	values map[string]*string
}

// New returns an empty document bound to path.
func New(path string) *Document {
	return &Document{path: path, values: map[string]*string{}}
}

// Load reads and parses the VMX file at path.
func Load(ctx context.Context, path string) (*Document, error) {
	f, err := os.Open(path) //nolint:gosec // vmx path comes from the driver
	if err != nil {
		return nil, fmt.Errorf("open vmx %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck
	doc, err := Parse(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("parse vmx %s: %w", path, err)
	}
	doc.path = path
	return doc, nil
}

// Parse reads key = "value" lines from r.
// Comment lines are skipped; lines without '=' are skipped with a warning.
func Parse(ctx context.Context, r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	raw = bytes.ReplaceAll(raw, []byte("\r"), []byte("\n"))

	logger := log.WithFunc("vmx.Parse")
	doc := New("")
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) //nolint:mnd
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			logger.Warnf(ctx, "skipping malformed vmx line: %q", line)
			continue
		}
		value := m[2]
		if quotedRe.MatchString(value) {
			value = value[1 : len(value)-1]
		}
		doc.Set(m[1], value)
	}
	return doc, scanner.Err()
}

// Path returns the backing file path.
func (d *Document) Path() string { return d.path }

// Get returns the value for key. The lookup is case-insensitive.
func (d *Document) Get(key string) (string, bool) {
	v := d.values[normalize(key)]
	if v == nil {
		return "", false
	}
	return *v, true
}

// Value returns the value for key or "" when absent.
func (d *Document) Value(key string) string {
	v, _ := d.Get(key)
	return v
}

// Set stores value under the lowercased key.
func (d *Document) Set(key, value string) {
	d.values[normalize(key)] = &value
}

// Delete marks key absent.
func (d *Document) Delete(key string) {
	k := normalize(key)
	if _, ok := d.values[k]; ok {
		d.values[k] = nil
	}
}

// Has reports whether key is present and not deleted.
func (d *Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Keys returns the present keys in sorted order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.values))
	for k, v := range d.values {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of present keys.
func (d *Document) Len() int { return len(d.Keys()) }

// Map returns a detached copy of the present key/value pairs.
func (d *Document) Map() map[string]string {
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

// DeleteMatching marks every key matched by re absent unless keep returns true.
// Returns the deleted keys.
func (d *Document) DeleteMatching(re *regexp.Regexp, keep func(key string) bool) []string {
	var deleted []string
	for _, k := range d.Keys() {
		if !re.MatchString(k) {
			continue
		}
		if keep != nil && keep(k) {
			continue
		}
		d.values[k] = nil
		deleted = append(deleted, k)
	}
	return deleted
}

// Serialize renders the document as sorted key = "value" lines.
func (d *Document) Serialize() []byte {
	var buf bytes.Buffer
	for _, k := range d.Keys() {
		fmt.Fprintf(&buf, "%s = \"%s\"\n", k, *d.values[k])
	}
	return buf.Bytes()
}

// Flush replaces the backing file with the serialized document and fsyncs it.
func (d *Document) Flush() error {
	if d.path == "" {
		return fmt.Errorf("flush vmx: no backing path")
	}
	f, err := os.OpenFile(d.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec,mnd
	if err != nil {
		return fmt.Errorf("open vmx %s: %w", d.path, err)
	}
	if _, err := f.Write(d.Serialize()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write vmx %s: %w", d.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync vmx %s: %w", d.path, err)
	}
	return f.Close()
}

// Modify runs one read-modify-write transaction against the file at path:
// the document is re-read, fn mutates it, and the full document is written back.
// Nothing is written if fn returns an error.
// Callers must serialize concurrent writers to the same file.
func Modify(ctx context.Context, path string, fn func(*Document) error) error {
	doc, err := Load(ctx, path)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return doc.Flush()
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
