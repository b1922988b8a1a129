package pipeline

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipBytes(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func archiveBody(t *testing.T, filename string, blob []byte) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"filename": filename,
		"content":  base64.StdEncoding.EncodeToString(blob),
	})
	require.NoError(t, err)
	return body
}

func TestPeekListsZipEntries(t *testing.T) {
	z := zipBytes(t, map[string][]byte{
		"readme.txt": []byte("hello from inside"),
		"notes.md":   []byte("a secret token sk-abcdefghijklmnop"),
	})
	pk := PeekArchives(archiveBody(t, "bundle.zip", z))

	assert.Len(t, pk.Entries, 2)
	assert.Contains(t, pk.Sample, "hello from inside")
	assert.Contains(t, pk.Sample, "sk-abcdefghijklmnop")
	assert.Zero(t, pk.Blocked)
}

func TestPeekEntryCap(t *testing.T) {
	files := make(map[string][]byte)
	for i := 0; i < 100; i++ {
		files[string(rune('a'+i%26))+string(rune('0'+i/26))+".txt"] = []byte("x")
	}
	pk := PeekArchives(archiveBody(t, "big.zip", zipBytes(t, files)))
	assert.LessOrEqual(t, len(pk.Entries), maxArchiveEntries)
}

func TestPeekNestedZipWithinDepth(t *testing.T) {
	inner := zipBytes(t, map[string][]byte{"deep.txt": []byte("buried text")})
	outer := zipBytes(t, map[string][]byte{"inner.zip": inner})
	pk := PeekArchives(archiveBody(t, "outer.zip", outer))

	assert.Contains(t, pk.Sample, "buried text")
	assert.Zero(t, pk.Blocked)
}

func TestPeekBlocksBeyondDepthBound(t *testing.T) {
	level3 := zipBytes(t, map[string][]byte{"core.txt": []byte("too deep")})
	level2 := zipBytes(t, map[string][]byte{"l3.zip": level3})
	level1 := zipBytes(t, map[string][]byte{"l2.zip": level2})
	pk := PeekArchives(archiveBody(t, "l1.zip", level1))

	assert.NotContains(t, pk.Sample, "too deep")
	assert.Positive(t, pk.Blocked)
}

func TestPeekPlainTextBlob(t *testing.T) {
	pk := PeekArchives(archiveBody(t, "note.txt", []byte("just plain text")))
	assert.Empty(t, pk.Entries)
	assert.Contains(t, pk.Sample, "just plain text")
}

func TestPeekIgnoresUnpairedBlobs(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"content": base64.StdEncoding.EncodeToString([]byte("no filename here")),
	})
	require.NoError(t, err)
	pk := PeekArchives(body)
	assert.Empty(t, pk.Sample)
}

func TestPeekNonJSONBody(t *testing.T) {
	pk := PeekArchives([]byte("not json at all"))
	assert.Empty(t, pk.Entries)
	assert.Empty(t, pk.Sample)
}

func TestPeekBadBase64Skipped(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"filename": "x.zip",
		"content":  "!!!not base64!!!",
	})
	require.NoError(t, err)
	pk := PeekArchives(body)
	assert.Empty(t, pk.Entries)
}
