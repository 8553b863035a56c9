package taskdef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Load reads task descriptors from path and returns the validated set.
//
// Path may be a single file or a directory; in a directory every
// *.json/*.yaml/*.yml file is loaded (sorted by name) and merged. Each file
// holds one category: a JSON or YAML array of descriptors, the category name
// being the file name without extension.
//
// Any parse or validation failure rejects the whole load.
func Load(path string) (*TaskSet, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("tasks path required")
	}

	fi, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("tasks source: %w", err)
	}

	var files []string
	if fi.IsDir() {
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("tasks source: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".json", ".yaml", ".yml":
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, fmt.Errorf("tasks source %q: no descriptor files", p)
		}
	} else {
		files = []string{p}
	}

	var all []Task
	for _, f := range files {
		tasks, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}
	set, err := NewTaskSet(all)
	if err != nil {
		return nil, err
	}
	return set, nil
}

func loadFile(path string) ([]Task, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tasks file %q: %w", path, err)
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("tasks file %q: %w", path, err)
	}

	var tasks []Task
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tasks); err != nil {
		return nil, fmt.Errorf("tasks file %q: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("tasks file %q: trailing data", path)
		}
		return nil, fmt.Errorf("tasks file %q: %w", path, err)
	}

	category := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for i := range tasks {
		tasks[i].Category = category
	}
	return tasks, nil
}
