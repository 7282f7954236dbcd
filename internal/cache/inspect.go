package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"specforge/internal/util/jsonutil"
)

// FindBySubstring returns the names of regular files in dir whose content contains sub.
// Unreadable files are skipped.
func FindBySubstring(dir, sub string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if !e.Type().IsRegular() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if strings.Contains(string(raw), sub) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// CountEntries counts the stored values in dir. Provenance and dot files are not
// entries.
func CountEntries(dir string) (int, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range ents {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasSuffix(name, extSrcJSON) || strings.HasSuffix(name, extSrcText) {
			continue
		}
		if strings.HasSuffix(name, extJSON) || strings.HasSuffix(name, extText) {
			n++
		}
	}
	return n, nil
}

// HashesOf extracts the entry hash (the part before the first dot) of each file name.
// Dot files such as .metadata have no hash and are ignored.
func HashesOf(names []string) []string {
	set := map[string]struct{}{}
	for _, n := range names {
		h, _, _ := strings.Cut(n, ".")
		if h != "" {
			set[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// DeleteHashes removes every file in dir whose name starts with one of hashes and
// returns the affected names. With dryRun nothing is removed.
func DeleteHashes(dir string, hashes []string, dryRun bool) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if !e.Type().IsRegular() {
			continue
		}
		for _, h := range hashes {
			if h == "" || !strings.HasPrefix(e.Name(), h) {
				continue
			}
			if !dryRun {
				if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
					return out, err
				}
			}
			out = append(out, e.Name())
			break
		}
	}
	return out, nil
}

// DeleteBySubstring drops every entry (value and provenance files) that mentions sub
// anywhere in its files.
func DeleteBySubstring(dir, sub string, dryRun bool) ([]string, error) {
	names, err := FindBySubstring(dir, sub)
	if err != nil {
		return nil, err
	}
	hashes := HashesOf(names)
	if len(hashes) == 0 {
		return nil, nil
	}
	return DeleteHashes(dir, hashes, dryRun)
}

// LoadKeySource returns the key provenance of hash: a decoded JSON tree for
// .src.json, a string for .src.txt. A unique-enough prefix of the hash is accepted.
func LoadKeySource(dir, hash string) (any, string, error) {
	if v, ok, err := readKeySource(dir, hash); err != nil || ok {
		return v, hash, err
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", err
	}
	for _, e := range ents {
		full, _, _ := strings.Cut(e.Name(), ".")
		if full == "" || full == hash || !strings.HasPrefix(full, hash) {
			continue
		}
		if v, ok, err := readKeySource(dir, full); err != nil || ok {
			return v, full, err
		}
	}
	return nil, "", fmt.Errorf("no cache key file found for hash: %s", hash)
}

func readKeySource(dir, hash string) (any, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, hash+extSrcJSON))
	if err == nil {
		v, err := jsonutil.Decode(raw)
		if err != nil {
			return nil, false, fmt.Errorf("key source %s: %w", hash, err)
		}
		return v, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	raw, err = os.ReadFile(filepath.Join(dir, hash+extSrcText))
	if err == nil {
		return string(raw), true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	return nil, false, nil
}

// Shape replaces every scalar leaf of a JSON tree by its type's zero value so that two
// keys that differ only in content compare equal.
func Shape(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = Shape(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Shape(item)
		}
		return out
	case string:
		return ""
	case int, int64, float64, json.Number:
		return 0
	case bool:
		return false
	default:
		return nil
	}
}

// NearMisses lists the entries whose JSON key provenance has the same Shape as the
// key of hash. Typical use: a miss that was expected to hit, where one argument
// drifted.
func NearMisses(dir, hash string) ([]string, error) {
	subject, full, err := LoadKeySource(dir, hash)
	if err != nil {
		return nil, err
	}
	want, err := json.Marshal(Shape(subject))
	if err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, full) || !strings.HasSuffix(name, extSrcJSON) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		v, err := jsonutil.Decode(raw)
		if err != nil {
			continue
		}
		got, err := json.Marshal(Shape(v))
		if err != nil {
			return nil, err
		}
		if string(got) == string(want) {
			out = append(out, name)
		}
	}
	return out, nil
}
