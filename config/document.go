package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
)

// document is a decoded configuration file. Fields are looked up by dotted
// path on demand, so a missing field only surfaces when a stage asks for it.
type document struct {
	name string
	root map[string]interface{}
}

func readDocument(path string) (*document, error) {
	name := filepath.Base(path)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(name, "", "cannot read document", err)
	}
	root, err := decode(path, content)
	if err != nil {
		return nil, errors.NewConfigError(name, "", "cannot parse document", err)
	}
	if root == nil {
		return nil, errors.NewConfigError(name, "", "document is empty", nil)
	}
	return &document{name: name, root: root}, nil
}

func decode(path string, content []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(content)).Decode(&out); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(content, &out); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(content, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *document) lookup(path string) (interface{}, bool) {
	var cur interface{} = d.root
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func (d *document) missing(path string) error {
	return errors.NewConfigError(d.name, path, "required field is missing", nil)
}

func (d *document) wrongType(path, want string, got interface{}) error {
	return errors.NewConfigError(d.name, path, fmt.Sprintf("expected %s, got %T", want, got), nil)
}

func (d *document) str(path string) (string, error) {
	v, ok := d.lookup(path)
	if !ok {
		return "", d.missing(path)
	}
	s, ok := v.(string)
	if !ok {
		return "", d.wrongType(path, "string", v)
	}
	if s == "" {
		return "", errors.NewConfigError(d.name, path, "must not be empty", nil)
	}
	return s, nil
}

func (d *document) optStr(path, def string) (string, error) {
	v, ok := d.lookup(path)
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", d.wrongType(path, "string", v)
	}
	return s, nil
}

func (d *document) integer(path string) (int, error) {
	v, ok := d.lookup(path)
	if !ok {
		return 0, d.missing(path)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, d.wrongType(path, "integer", v)
	}
	return n, nil
}

func (d *document) optInt64(path string, def int64) (int64, error) {
	v, ok := d.lookup(path)
	if !ok {
		return def, nil
	}
	n, ok := toInt(v)
	if !ok {
		return 0, d.wrongType(path, "integer", v)
	}
	return int64(n), nil
}

func (d *document) float(path string) (float64, error) {
	v, ok := d.lookup(path)
	if !ok {
		return 0, d.missing(path)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, d.wrongType(path, "number", v)
	}
	return f, nil
}

func (d *document) optFloat(path string, def float64) (float64, error) {
	if _, ok := d.lookup(path); !ok {
		return def, nil
	}
	return d.float(path)
}

func (d *document) boolean(path string) (bool, error) {
	v, ok := d.lookup(path)
	if !ok {
		return false, d.missing(path)
	}
	b, ok := v.(bool)
	if !ok {
		return false, d.wrongType(path, "boolean", v)
	}
	return b, nil
}

func (d *document) optBool(path string, def bool) (bool, error) {
	if _, ok := d.lookup(path); !ok {
		return def, nil
	}
	return d.boolean(path)
}

func (d *document) ints(path string) ([]int, error) {
	v, ok := d.lookup(path)
	if !ok {
		return nil, d.missing(path)
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, d.wrongType(path, "list of integers", v)
	}
	out := make([]int, len(list))
	for i, item := range list {
		n, ok := toInt(item)
		if !ok {
			return nil, d.wrongType(fmt.Sprintf("%s[%d]", path, i), "integer", item)
		}
		out[i] = n
	}
	return out, nil
}

// flatten renders every leaf of the document as "a.b.c" -> string value.
func (d *document) flatten() map[string]string {
	out := make(map[string]string)
	var walk func(prefix string, v interface{})
	walk = func(prefix string, v interface{}) {
		switch t := v.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				p := k
				if prefix != "" {
					p = prefix + "." + k
				}
				walk(p, t[k])
			}
		default:
			out[prefix] = fmt.Sprint(t)
		}
	}
	walk("", d.root)
	return out
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
