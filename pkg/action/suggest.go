package action

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/SpatialKey/skdm-sub000/pkg/upload"
)

// SampleLines is how many lines of a CSV file are uploaded for a suggest.
const SampleLines = 500

// SampleMethod returns the server import method for a data type.
func SampleMethod(dt DataType) string {
	switch dt {
	case CSV:
		return "ImportCSV"
	case Shapefile:
		return "ImportShapefile"
	case Insurance:
		return "ImportInsurance"
	default:
		return ""
	}
}

func (e *Engine) suggest(ctx context.Context, r *run) error {
	spec := r.spec
	staged, cleanup, err := e.stager.StageAll(ctx, spec.PathData)
	if err != nil {
		return err
	}
	defer cleanup()

	sampled, removeSamples, err := e.sampleFiles(staged)
	if err != nil {
		return err
	}
	defer removeSamples()

	id, st, err := e.waiter.UploadAndWait(ctx, sampled)
	r.uploadID = id
	if err != nil {
		return err
	}
	if st != nil {
		r.result.Status = st.Status
	}
	if err := upload.Check(st); err != nil {
		return err
	}

	xml, err := e.api.SampleConfig(ctx, r.uploadID, SampleMethod(spec.DataType))
	if err != nil {
		return err
	}
	out, err := writeSuggestion(spec.PathXML, xml)
	if err != nil {
		return err
	}
	r.result.SuggestFile = out
	r.logger.InfoContext(ctx, "wrote suggested descriptor", "path", out)
	return nil
}

// sampleFiles truncates every CSV file above SampleLines lines into a
// temporary copy. Other files are passed through.
func (e *Engine) sampleFiles(paths []string) ([]string, func(), error) {
	var tmpDir string
	cleanup := func() {
		if tmpDir != "" {
			_ = os.RemoveAll(tmpDir)
		}
	}

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !strings.EqualFold(filepath.Ext(p), ".csv") {
			out = append(out, p)
			continue
		}
		over, err := hasMoreLines(p, SampleLines)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		if !over {
			out = append(out, p)
			continue
		}
		if tmpDir == "" {
			tmpDir, err = os.MkdirTemp(e.tempDir, "skimport-sample-*")
			if err != nil {
				return nil, func() {}, fmt.Errorf("sample %s: %w", p, err)
			}
		}
		dst := filepath.Join(tmpDir, filepath.Base(p))
		if err := copyLines(p, dst, SampleLines); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("sample %s: %w", p, err)
		}
		out = append(out, dst)
	}
	return out, cleanup, nil
}

// hasMoreLines reports whether the file at path has more than limit lines.
// A last line without a trailing newline counts.
func hasMoreLines(path string, limit int) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	lines := 0
	partial := false
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			partial = true
		case err == nil:
			partial = false
			lines++
			if lines > limit {
				return true, nil
			}
		case errors.Is(err, io.EOF):
			if len(chunk) > 0 || partial {
				lines++
			}
			return lines > limit, nil
		default:
			return false, err
		}
	}
}

// copyLines copies the first limit lines of src to dst.
func copyLines(src, dst string, limit int) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	br := bufio.NewReader(in)
	bw := bufio.NewWriter(out)
	for lines := 0; lines < limit; {
		chunk, err := br.ReadSlice('\n')
		if _, werr := bw.Write(chunk); werr != nil {
			_ = out.Close()
			return werr
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			_ = out.Close()
			return err
		}
		lines++
	}
	if err := bw.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// writeSuggestion writes xml to path, or to a generated sibling when path
// already exists, and returns the path written.
func writeSuggestion(path, xml string) (string, error) {
	target := path
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(path)
		if ext == "" {
			ext = ".xml"
		}
		base := strings.TrimSuffix(path, filepath.Ext(path))
		target = base + "-" + uuid.NewString()[:8] + ext
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("write suggested descriptor: %w", err)
	}
	if _, err := io.WriteString(f, xml); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write suggested descriptor: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write suggested descriptor: %w", err)
	}
	return target, nil
}
