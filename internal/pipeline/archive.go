package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/metrics"
	"github.com/koios/adb-invocation-server/internal/naming"
	"github.com/koios/adb-invocation-server/pkg/models"
)

// ErrOutFilesExhausted is returned when an archive holds more images than
// the template's outFiles list names.
var ErrOutFilesExhausted = errors.New("not enough output file patterns")

// OutputConfig locates and names extracted images.
type OutputConfig struct {
	AndroidBasePath string
	IOSBasePath     string
	FilePattern     string
}

// Archive is a downloaded result archive awaiting extraction.
type Archive struct {
	Path   string
	OutDir string
}

// Fetcher downloads result archives and unpacks them into the output tree.
type Fetcher struct {
	httpClient *http.Client
	output     OutputConfig
	logger     *zap.Logger
}

// NewFetcher creates a fetcher. A nil client uses http.DefaultClient.
func NewFetcher(httpClient *http.Client, output OutputConfig, logger *zap.Logger) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Fetcher{httpClient: httpClient, output: output, logger: logger}
}

// GroupValues are the placeholder values identifying a template's image set.
func GroupValues(t models.TemplateUpdate) naming.Values {
	return naming.Values{
		naming.Platform: string(t.Platform),
		naming.Locale:   t.Locale,
		naming.Device:   t.Device,
	}
}

// TemplateValues adds the sequence to GroupValues.
func TemplateValues(t models.TemplateUpdate) naming.Values {
	return GroupValues(t).WithSequence(t.Sequence)
}

// OutputDir is the platform base path, plus the template's outDir, with
// placeholders filled. The result always stays under the base path.
func (f *Fetcher) OutputDir(t models.TemplateUpdate) (string, error) {
	if err := naming.CheckSegment(t.Locale); err != nil {
		return "", err
	}
	if err := naming.CheckSegment(t.Device); err != nil {
		return "", err
	}

	base := f.output.IOSBasePath
	if t.Platform == models.PlatformAndroid {
		base = f.output.AndroidBasePath
	}
	values := TemplateValues(t)
	dir := filepath.Clean(naming.Substitute(base, values))
	if t.OutDir != "" {
		outDir := naming.Substitute(t.OutDir, values)
		if err := naming.CheckRelative(outDir); err != nil {
			return "", err
		}
		f.logger.Debug("Appending outDir to base path",
			zap.String("out_dir", outDir),
			zap.String("base", dir))
		dir = filepath.Join(dir, filepath.FromSlash(outDir))
	}
	if tokens := naming.Unresolved(dir); len(tokens) > 0 {
		f.logger.Warn("Output directory has unknown placeholders",
			zap.String("dir", dir),
			zap.Strings("placeholders", tokens))
	}
	return dir, nil
}

// Fetch downloads the archive at url and extracts it for t.
func (f *Fetcher) Fetch(ctx context.Context, url string, t models.TemplateUpdate) error {
	archive, err := f.Download(ctx, url, t)
	if err != nil {
		return err
	}
	return f.Extract(archive, t)
}

// Download streams url to <outputDir>/<sequence>.zip. It returns once the
// file is fully written and closed.
func (f *Fetcher) Download(ctx context.Context, url string, t models.TemplateUpdate) (*Archive, error) {
	outDir, err := f.OutputDir(t)
	if err != nil {
		return nil, fmt.Errorf("resolving output directory for template %s: %w", t.ID, err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", outDir, err)
	}
	destination := filepath.Join(outDir, strconv.Itoa(t.Sequence)+".zip")

	if err := f.downloadFile(ctx, url, destination); err != nil {
		f.logger.Error("Failed to download generated screenshots",
			zap.String("url", url),
			zap.String("destination", destination),
			zap.Error(err))
		return nil, err
	}
	return &Archive{Path: destination, OutDir: outDir}, nil
}

func (f *Fetcher) downloadFile(ctx context.Context, url, destination string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected response downloading %s: %s", url, resp.Status)
	}

	file, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destination, err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(destination)
		return fmt.Errorf("failed to write %s: %w", destination, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", destination, err)
	}
	return nil
}

// Extract unpacks the archive into its output directory. Image entries are
// renamed before they are written, using the next outFiles pattern when the
// template supplies any, else the default file pattern. Non-image entries
// keep their names; the top-level path of the first one is removed together
// with the archive once extraction succeeds.
func (f *Fetcher) Extract(archive *Archive, t models.TemplateUpdate) error {
	reader, err := zip.OpenReader(archive.Path)
	if err != nil {
		f.logger.Error("Failed to open archive",
			zap.String("archive", archive.Path),
			zap.Error(err))
		return fmt.Errorf("failed to open archive %s: %w", archive.Path, err)
	}

	parentDir, err := f.extractEntries(reader.File, archive.OutDir, t)
	reader.Close()
	if err != nil {
		return f.extractError(archive, err)
	}

	f.logger.Info("Extraction complete",
		zap.String("archive", archive.Path),
		zap.String("out_dir", archive.OutDir))

	if parentDir != "" {
		f.cleanup(archive, parentDir)
	}
	return nil
}

// extractEntries writes every entry and returns the top-level path of the
// first non-image entry.
func (f *Fetcher) extractEntries(entries []*zip.File, outDir string, t models.TemplateUpdate) (string, error) {
	values := TemplateValues(t)
	parentDir := ""
	fileCounter := 0

	for _, entry := range entries {
		fileName := entry.Name
		if !models.IsImage(fileName) {
			if parentDir == "" {
				parentDir = topLevel(fileName)
			}
			if err := writeEntry(outDir, fileName, entry); err != nil {
				return parentDir, err
			}
			continue
		}

		pattern := f.output.FilePattern
		if len(t.OutFiles) > 0 {
			if fileCounter >= len(t.OutFiles) {
				return parentDir, fmt.Errorf("%w: failed processing file %d (%s) of template %s, only %d patterns supplied",
					ErrOutFilesExhausted, fileCounter+1, fileName, t.ID, len(t.OutFiles))
			}
			if override := t.OutFiles[fileCounter]; override != "" {
				pattern = override
			}
			fileCounter++
		}

		newName := naming.Substitute(pattern, values.With(naming.Name, entryStem(fileName)))
		if tokens := naming.Unresolved(newName); len(tokens) > 0 {
			f.logger.Warn("Output file name has unknown placeholders",
				zap.String("name", newName),
				zap.Strings("placeholders", tokens))
		}
		f.logger.Info("Renaming archive entry",
			zap.String("from", fileName),
			zap.String("to", newName))
		if err := writeEntry(outDir, newName, entry); err != nil {
			return parentDir, err
		}
		metrics.ArchiveFilesTotal.Inc()
	}
	return parentDir, nil
}

func (f *Fetcher) extractError(archive *Archive, err error) error {
	f.logger.Error("Failed to extract archive",
		zap.String("archive", archive.Path),
		zap.String("out_dir", archive.OutDir),
		zap.Error(err))
	return fmt.Errorf("extracting %s to %s: %w", archive.Path, archive.OutDir, err)
}

// cleanup is best effort; failures are logged only.
func (f *Fetcher) cleanup(archive *Archive, parentDir string) {
	dir, err := safeJoin(archive.OutDir, parentDir)
	if err != nil {
		f.logger.Warn("Skipping archive directory removal", zap.String("dir", parentDir), zap.Error(err))
	} else if err := os.RemoveAll(dir); err != nil {
		f.logger.Warn("Error removing archive directory", zap.String("dir", dir), zap.Error(err))
	}
	if err := os.RemoveAll(archive.Path); err != nil {
		f.logger.Warn("Error removing archive", zap.String("archive", archive.Path), zap.Error(err))
	}
}

func writeEntry(outDir, name string, entry *zip.File) error {
	target, err := safeJoin(outDir, name)
	if err != nil {
		return err
	}

	if entry.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return dst.Close()
}

// safeJoin resolves name under dir, rejecting paths that escape it.
func safeJoin(dir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("out of bound path: %s", name)
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("out of bound path: %s", name)
	}
	return target, nil
}

// topLevel returns the first path component of an archive entry name.
func topLevel(name string) string {
	first, _, _ := strings.Cut(strings.TrimLeft(name, "/"), "/")
	return first
}

// entryStem strips directories and everything from the first dot.
func entryStem(name string) string {
	stem, _, _ := strings.Cut(path.Base(name), ".")
	return stem
}
