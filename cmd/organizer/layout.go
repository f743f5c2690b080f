package organizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TableTempDir returns the namespaced temp directory of one table within one job.
func TableTempDir(tempRoot, jobID, table string) string {
	return filepath.Join(tempRoot, jobID, DirName(table))
}

// DirName turns a qualified table name into a single path element.
func DirName(table string) string {
	return strings.NewReplacer("/", "_", "\\", "_", string(os.PathSeparator), "_").Replace(table)
}

// nextVersion returns name if it is unused, otherwise name_vN with the lowest unused N >= 2.
func nextVersion(existing map[string]bool, name string) (string, int) {
	if !existing[name] {
		return name, 0
	}
	for n := 2; ; n++ {
		candidate := name + "_v" + strconv.Itoa(n)
		if !existing[candidate] {
			return candidate, n
		}
	}
}

func listDir(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	return names, nil
}

// ArchiveTemplate places metadata records below the archive root.
// Supports: {job}, {YYYY}, {MM}, {DD}, {HH}
type ArchiveTemplate struct {
	template string
}

// NewArchiveTemplate creates a new ArchiveTemplate instance
func NewArchiveTemplate(template string) *ArchiveTemplate {
	return &ArchiveTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values
func (at *ArchiveTemplate) Generate(jobID string, timestamp time.Time) string {
	result := at.template
	result = strings.ReplaceAll(result, "{job}", jobID)
	result = strings.ReplaceAll(result, "{YYYY}", timestamp.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", timestamp.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", timestamp.Format("02"))
	result = strings.ReplaceAll(result, "{HH}", timestamp.Format("15"))
	return result
}

// MetadataFileName returns the immutable record name for a job at a moment.
func MetadataFileName(jobID string, timestamp time.Time) string {
	return fmt.Sprintf("%s_%s.json", jobID, timestamp.UTC().Format("20060102T150405.000000000Z"))
}
