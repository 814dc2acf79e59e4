// Package datafile owns the on-disk layout of cached market data:
//
//	<root>/<security-type>/<resolution>/<symbol>/<yyyyMMdd>_<trade|quote>.zip
//
// Each archive holds a single CSV file with one record per line. Intraday
// records start with milliseconds since midnight of the file's date; daily
// records start with "yyyyMMdd HH:mm". Times are wall-clock in the run time
// zone.
package datafile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

const (
	dateLayout  = "20060102"
	dailyLayout = "20060102 15:04"
)

// ErrSourceNotFound is returned when no data exists for a subscription and
// date.
var ErrSourceNotFound = errors.New("source not found")

// TickType returns "quote" for forex and "trade" otherwise.
func TickType(st domain.SecurityType) string {
	if st == domain.SecurityTypeForex {
		return "quote"
	}
	return "trade"
}

// Path returns the archive path for the subscription's mapped symbol on
// date.
func Path(root string, cfg *domain.SubscriptionConfig, date time.Time) string {
	return PathFor(root, cfg.SecurityType, cfg.Resolution, cfg.MappedSymbol(), date)
}

// PathFor is Path with explicit components.
func PathFor(root string, st domain.SecurityType, res domain.Resolution, symbol string, date time.Time) string {
	name := date.Format(dateLayout) + "_" + TickType(st) + ".zip"
	return filepath.Join(root, string(st), string(res), strings.ToLower(symbol), name)
}

// entryName is the CSV file name inside an archive.
func entryName(symbol string, res domain.Resolution, st domain.SecurityType, date time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s.csv", date.Format(dateLayout), strings.ToLower(symbol), res, TickType(st))
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// ZipSource streams the lines of the first file in an archive.
type ZipSource struct {
	archive *zip.ReadCloser
	entry   io.ReadCloser
	sc      *bufio.Scanner
}

// OpenZip opens the archive at path. A missing file reports
// ErrSourceNotFound.
func OpenZip(path string) (*ZipSource, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if len(archive.File) == 0 {
		archive.Close()
		return nil, fmt.Errorf("%w: %s is empty", ErrSourceNotFound, path)
	}
	entry, err := archive.File[0].Open()
	if err != nil {
		archive.Close()
		return nil, fmt.Errorf("opening %s in %s: %w", archive.File[0].Name, path, err)
	}
	sc := bufio.NewScanner(entry)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ZipSource{archive: archive, entry: entry, sc: sc}, nil
}

// Next returns the next non-empty line.
func (z *ZipSource) Next() (string, bool) {
	for z.sc.Scan() {
		if line := strings.TrimSpace(z.sc.Text()); line != "" {
			return line, true
		}
	}
	return "", false
}

// Err returns the first read error, if any.
func (z *ZipSource) Err() error {
	return z.sc.Err()
}

// Close releases the archive.
func (z *ZipSource) Close() error {
	err := z.entry.Close()
	if cerr := z.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// WriteZip writes lines as the archive for cfg on date, replacing any
// existing file atomically.
func WriteZip(root string, cfg *domain.SubscriptionConfig, date time.Time, lines []string) (string, error) {
	path := Path(root, cfg, date)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.zip")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	w, err := zw.Create(entryName(cfg.MappedSymbol(), cfg.Resolution, cfg.SecurityType, date))
	if err != nil {
		tmp.Close()
		return "", err
	}
	bw := bufio.NewWriter(w)
	for _, line := range lines {
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("renaming %s: %w", path, err)
	}
	return path, nil
}

// WritePoints formats points and writes them with WriteZip.
func WritePoints(root string, cfg *domain.SubscriptionConfig, date time.Time, loc *time.Location, points []domain.DataPoint) (string, error) {
	lines := make([]string, 0, len(points))
	for _, p := range points {
		lines = append(lines, FormatLine(cfg, loc, p))
	}
	return WriteZip(root, cfg, date, lines)
}
