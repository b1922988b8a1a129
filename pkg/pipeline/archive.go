package pipeline

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
)

// Archive peek bounds.
const (
	maxArchiveEntries = 64
	maxSampleBytes    = 256 * 1024
	maxArchiveDepth   = 2
)

// Keys that pair a filename with a base64 blob in request bodies.
var (
	archiveNameKeys = map[string]bool{"filename": true, "file_name": true, "name": true}
	archiveBlobKeys = map[string]bool{"content": true, "data": true, "blob": true, "b64": true}
)

// Peek is what the archive stage extracts for downstream scanners.
type Peek struct {
	Entries []string
	Sample  string
	Blocked int // recursions refused at the depth bound
}

// PeekArchives scans a JSON body for filename+base64 pairs and lists the
// contents of any zip payloads, sampling text for the detectors. Nested
// archives are walked to depth 2; deeper nesting is counted, not opened.
func PeekArchives(body []byte) Peek {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Peek{}
	}
	var pk Peek
	var sample strings.Builder
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			name, blob := pairedBlob(t)
			if blob != "" {
				peekBlob(name, blob, 1, &pk, &sample)
			}
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(doc)
	pk.Sample = sample.String()
	return pk
}

func pairedBlob(obj map[string]any) (name, blob string) {
	for k, v := range obj {
		s, ok := v.(string)
		if !ok {
			continue
		}
		lk := strings.ToLower(k)
		if archiveNameKeys[lk] {
			name = s
		} else if archiveBlobKeys[lk] {
			blob = s
		}
	}
	if name == "" {
		return "", ""
	}
	return name, blob
}

func peekBlob(name, blob string, depth int, pk *Peek, sample *strings.Builder) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return
	}
	if isZip(raw) {
		peekZip(name, raw, depth, pk, sample)
		return
	}
	if printable(raw) {
		appendSample(sample, string(raw))
	}
}

func isZip(b []byte) bool {
	return len(b) >= 4 && bytes.HasPrefix(b, []byte("PK\x03\x04"))
}

func peekZip(name string, raw []byte, depth int, pk *Peek, sample *strings.Builder) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return
	}
	for _, f := range zr.File {
		if len(pk.Entries) >= maxArchiveEntries {
			return
		}
		pk.Entries = append(pk.Entries, name+"!"+f.Name)
		if strings.HasSuffix(strings.ToLower(f.Name), ".zip") {
			if depth >= maxArchiveDepth {
				pk.Blocked++
				continue
			}
			if inner := readEntry(f); inner != nil && isZip(inner) {
				peekZip(name+"!"+f.Name, inner, depth+1, pk, sample)
			}
			continue
		}
		if sample.Len() >= maxSampleBytes {
			continue
		}
		if b := readEntry(f); b != nil && printable(b) {
			appendSample(sample, string(b))
		}
	}
}

func readEntry(f *zip.File) []byte {
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxSampleBytes))
	if err != nil {
		return nil
	}
	return b
}

func appendSample(sample *strings.Builder, text string) {
	room := maxSampleBytes - sample.Len()
	if room <= 0 {
		return
	}
	if len(text) > room {
		text = text[:room]
	}
	sample.WriteString(text)
	sample.WriteByte('\n')
}
