package maintenance

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/topicimg/internal/storage"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

type ExportSummary struct {
	Path     string        `json:"path"`
	Format   string        `json:"format"`
	Entries  int           `json:"entries"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

type exportEntry struct {
	Topic           string    `json:"topic"`
	NormalizedTopic string    `json:"normalized_topic"`
	ImageID         string    `json:"image_id"`
	Source          string    `json:"source"`
	URL             string    `json:"url"`
	Valid           bool      `json:"valid"`
	UsageCount      int       `json:"usage_count"`
	Confidence      float64   `json:"confidence_score"`
	LastValidated   time.Time `json:"last_validated"`
}

var csvHeader = []string{
	"topic", "normalized_topic", "image_id", "source", "valid",
	"usage_count", "confidence_score", "last_validated",
}

// rowWriter receives export rows one page at a time.
type rowWriter interface {
	begin(exportedAt time.Time) error
	write(r storage.ExportRow) error
	end(total int) error
}

// Export writes a snapshot of every (topic, entry) pair to path. Rows are
// read in keyset pages so no long transaction is held, and the output goes
// to a temp file in the same directory that is renamed into place on
// success.
func (m *Maintainer) Export(ctx context.Context, path, format string) (ExportSummary, error) {
	start := time.Now()
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return ExportSummary{}, fmt.Errorf("unsupported export format %q", format)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return ExportSummary{}, fmt.Errorf("creating export file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriter(tmp)
	var w rowWriter
	if format == FormatCSV {
		w = &csvRows{w: csv.NewWriter(buf)}
	} else {
		w = &jsonRows{w: buf}
	}

	n, err := m.copyRows(ctx, w)
	if err != nil {
		return ExportSummary{}, err
	}
	if err := buf.Flush(); err != nil {
		return ExportSummary{}, fmt.Errorf("writing export: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return ExportSummary{}, fmt.Errorf("syncing export: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return ExportSummary{}, fmt.Errorf("stat export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return ExportSummary{}, fmt.Errorf("closing export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return ExportSummary{}, fmt.Errorf("moving export into place: %w", err)
	}
	committed = true

	sum := ExportSummary{
		Path:     path,
		Format:   format,
		Entries:  n,
		Bytes:    info.Size(),
		Duration: time.Since(start),
	}
	m.logger.Info("maintenance: export finished", "path", path, "format", format, "entries", n, "bytes", sum.Bytes)
	return sum, nil
}

func (m *Maintainer) copyRows(ctx context.Context, w rowWriter) (int, error) {
	if err := w.begin(m.now()); err != nil {
		return 0, fmt.Errorf("writing export: %w", err)
	}
	var (
		total                int
		afterKey, afterImage string
	)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := m.store.ExportPage(ctx, afterKey, afterImage, m.chunk)
		if err != nil {
			return total, fmt.Errorf("reading export page: %w", err)
		}
		for _, r := range page {
			if err := w.write(r); err != nil {
				return total, fmt.Errorf("writing export: %w", err)
			}
		}
		total += len(page)
		if len(page) < m.chunk {
			break
		}
		last := page[len(page)-1]
		afterKey, afterImage = last.TopicKey, last.ImageID
	}
	if err := w.end(total); err != nil {
		return total, fmt.Errorf("writing export: %w", err)
	}
	return total, nil
}

// jsonRows streams {"export_date", "cache_entries": [...], "total_entries"}
// without holding the whole snapshot in memory.
type jsonRows struct {
	w     io.Writer
	wrote bool
}

func (j *jsonRows) begin(at time.Time) error {
	date, err := json.Marshal(at)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(j.w, "{\"export_date\":%s,\"cache_entries\":[", date)
	return err
}

func (j *jsonRows) write(r storage.ExportRow) error {
	b, err := json.Marshal(exportEntry{
		Topic:           r.Topic,
		NormalizedTopic: r.NormalizedTopic,
		ImageID:         r.ImageID,
		Source:          r.Source,
		URL:             r.URL,
		Valid:           r.Valid,
		UsageCount:      r.UsageCount,
		Confidence:      r.Confidence,
		LastValidated:   r.LastValidated,
	})
	if err != nil {
		return err
	}
	if j.wrote {
		if _, err := io.WriteString(j.w, ","); err != nil {
			return err
		}
	}
	j.wrote = true
	_, err = j.w.Write(b)
	return err
}

func (j *jsonRows) end(total int) error {
	_, err := fmt.Fprintf(j.w, "],\"total_entries\":%d}\n", total)
	return err
}

type csvRows struct {
	w *csv.Writer
}

func (c *csvRows) begin(time.Time) error {
	return c.w.Write(csvHeader)
}

func (c *csvRows) write(r storage.ExportRow) error {
	return c.w.Write([]string{
		r.Topic,
		r.NormalizedTopic,
		r.ImageID,
		r.Source,
		strconv.FormatBool(r.Valid),
		strconv.Itoa(r.UsageCount),
		strconv.FormatFloat(r.Confidence, 'f', -1, 64),
		r.LastValidated.Format(time.RFC3339),
	})
}

func (c *csvRows) end(int) error {
	c.w.Flush()
	return c.w.Error()
}
