package action

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpatialKey/skdm-sub000/pkg/logging"
)

func countLines(s string) int {
	return strings.Count(s, "\n")
}

func TestSampleMethod(t *testing.T) {
	assert.Equal(t, "ImportCSV", SampleMethod(CSV))
	assert.Equal(t, "ImportShapefile", SampleMethod(Shapefile))
	assert.Equal(t, "ImportInsurance", SampleMethod(Insurance))
}

func TestSuggest_TruncatesLargeCSV(t *testing.T) {
	api := &fakeAPI{sampleXML: "<dataset/>"}
	waiter := &fakeWaiter{uploadID: "u1"}
	tmp := t.TempDir()
	e := New(api, waiter, Options{Logger: logging.Discard(), TempDir: tmp})

	src := dataFile(t, "big.csv", 10000)
	descriptor := filepath.Join(t.TempDir(), "big.xml")
	spec := &Spec{Name: "big", ActionType: Suggest, DataType: CSV, PathData: []string{src}, PathXML: descriptor}

	r := e.Run(context.Background(), spec, RunOptions{Wait: true})
	require.NoError(t, r.Err)

	require.Len(t, waiter.uploads, 1)
	uploaded := waiter.uploads[0][0]
	assert.NotEqual(t, src, uploaded)
	assert.Equal(t, "big.csv", filepath.Base(uploaded))
	assert.Equal(t, SampleLines, countLines(waiter.uploadedData["big.csv"]))
	assert.True(t, strings.HasPrefix(waiter.uploadedData["big.csv"], "0,row\n1,row\n"))

	// The temporary copy is gone and the source is untouched.
	assert.NoFileExists(t, uploaded)
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, 10000, countLines(string(data)))

	assert.Equal(t, descriptor, r.SuggestFile)
	written, err := os.ReadFile(descriptor)
	require.NoError(t, err)
	assert.Equal(t, "<dataset/>", string(written))
	assert.Equal(t, []string{"SampleConfig(u1,ImportCSV)", "CancelUpload(u1)"}, api.calls)
	assert.Empty(t, r.Mutations)
}

func TestSuggest_SmallCSVUploadedAsIs(t *testing.T) {
	api := &fakeAPI{sampleXML: "<dataset/>"}
	waiter := &fakeWaiter{uploadID: "u1"}
	tmp := t.TempDir()
	e := New(api, waiter, Options{Logger: logging.Discard(), TempDir: tmp})

	src := dataFile(t, "small.csv", 10)
	spec := &Spec{Name: "s", ActionType: Suggest, DataType: CSV, PathData: []string{src}, PathXML: filepath.Join(t.TempDir(), "s.xml")}
	r := e.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, r.Err)

	assert.Equal(t, [][]string{{src}}, waiter.uploads)
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "no temporary file is created")
}

func TestSuggest_NonCSVNeverTruncated(t *testing.T) {
	api := &fakeAPI{sampleXML: "<shapes/>"}
	waiter := &fakeWaiter{uploadID: "u1"}
	e := New(api, waiter, Options{Logger: logging.Discard(), TempDir: t.TempDir()})

	src := dataFile(t, "shapes.zip", 2000)
	spec := &Spec{Name: "s", ActionType: Suggest, DataType: Shapefile, PathData: []string{src}, PathXML: filepath.Join(t.TempDir(), "s.xml")}
	r := e.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, r.Err)
	assert.Equal(t, [][]string{{src}}, waiter.uploads)
	assert.Equal(t, 2000, countLines(waiter.uploadedData["shapes.zip"]))
	assert.Equal(t, "SampleConfig(u1,ImportShapefile)", api.calls[0])
}

func TestSuggest_ExistingDescriptorGetsNewName(t *testing.T) {
	api := &fakeAPI{sampleXML: "<new/>"}
	waiter := &fakeWaiter{uploadID: "u1"}
	e := newTestEngine(api, waiter)

	descriptor := filepath.Join(t.TempDir(), "stores.xml")
	require.NoError(t, os.WriteFile(descriptor, []byte("<old/>"), 0o600))

	spec := &Spec{Name: "s", ActionType: Suggest, DataType: CSV, PathData: []string{dataFile(t, "a.csv", 1)}, PathXML: descriptor}
	r := e.Run(context.Background(), spec, RunOptions{})
	require.NoError(t, r.Err)

	assert.NotEqual(t, descriptor, r.SuggestFile)
	assert.Equal(t, filepath.Dir(descriptor), filepath.Dir(r.SuggestFile))
	assert.True(t, strings.HasPrefix(filepath.Base(r.SuggestFile), "stores-"))
	assert.Equal(t, ".xml", filepath.Ext(r.SuggestFile))

	old, err := os.ReadFile(descriptor)
	require.NoError(t, err)
	assert.Equal(t, "<old/>", string(old))
	written, err := os.ReadFile(r.SuggestFile)
	require.NoError(t, err)
	assert.Equal(t, "<new/>", string(written))
}

func TestHasMoreLines(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		content string
		want    bool
	}{
		{"", false},
		{"a\nb\nc\n", false},
		{"a\nb\nc", false},
		{"a\nb\nc\nd", true},
		{"a\nb\nc\nd\n", true},
		{strings.Repeat("x", 10000) + "\n" + strings.Repeat("y", 10000), false},
	}
	for i, tt := range tests {
		path := filepath.Join(dir, "f"+string(rune('0'+i))+".csv")
		require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
		got, err := hasMoreLines(path, 3)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "content %d", i)
	}
}

func TestCopyLines_LongLines(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("z", 9000)
	src := filepath.Join(dir, "src.csv")
	require.NoError(t, os.WriteFile(src, []byte(long+"\n"+long+"\n"+long+"\n"), 0o600))

	dst := filepath.Join(dir, "dst.csv")
	require.NoError(t, copyLines(src, dst, 2))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, long+"\n"+long+"\n", string(data))
}
