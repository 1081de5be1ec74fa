// Package atlas loads anatomical label volumes and the dictionaries that name
// their regions.
package atlas

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/carbocation/qsmpipe"
	"gopkg.in/yaml.v3"
)

// Region names one anatomical region and the label codes that make it up.
// Several codes make an aggregate region.
type Region struct {
	Name  string `yaml:"name"`
	Codes []int  `yaml:"codes"`
}

// Dictionary is an ordered, read-only list of regions. The accessors hand out
// copies, so nothing a caller does can change it.
type Dictionary struct {
	name    string
	regions []Region
}

// NewDictionary validates regions and takes a private copy of them. Every
// region needs a name, unique within the dictionary, and at least one code.
func NewDictionary(name string, regions []Region) (*Dictionary, error) {
	d := &Dictionary{name: name}
	seen := make(map[string]struct{}, len(regions))

	for i, r := range regions {
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return nil, fmt.Errorf("%w: %s: region #%d has no name", qsmpipe.ErrInvalidRegionDefinition, name, i+1)
		}
		if len(r.Codes) == 0 {
			return nil, fmt.Errorf("%w: %s: region %q has no label codes", qsmpipe.ErrInvalidRegionDefinition, name, r.Name)
		}
		if _, exists := seen[r.Name]; exists {
			return nil, fmt.Errorf("%w: %s: region %q is defined twice", qsmpipe.ErrInvalidRegionDefinition, name, r.Name)
		}
		seen[r.Name] = struct{}{}

		d.regions = append(d.regions, Region{Name: r.Name, Codes: append([]int(nil), r.Codes...)})
	}

	if len(d.regions) == 0 {
		return nil, fmt.Errorf("%w: %s defines no regions", qsmpipe.ErrInvalidRegionDefinition, name)
	}

	return d, nil
}

func (d *Dictionary) Name() string {
	return d.name
}

func (d *Dictionary) Len() int {
	return len(d.regions)
}

// Regions returns a copy of the regions in definition order.
func (d *Dictionary) Regions() []Region {
	out := make([]Region, len(d.regions))
	for i, r := range d.regions {
		out[i] = Region{Name: r.Name, Codes: append([]int(nil), r.Codes...)}
	}
	return out
}

// Names returns the region names in definition order.
func (d *Dictionary) Names() []string {
	out := make([]string, len(d.regions))
	for i, r := range d.regions {
		out[i] = r.Name
	}
	return out
}

// Codes returns every distinct code used by any region.
func (d *Dictionary) Codes() []int {
	var out []int
	seen := make(map[int]struct{})
	for _, r := range d.regions {
		for _, c := range r.Codes {
			if _, exists := seen[c]; !exists {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

// CheckDisjoint fails if two dictionaries define a region with the same name,
// since region names become table columns.
func CheckDisjoint(dicts ...*Dictionary) error {
	owner := make(map[string]string)
	for _, d := range dicts {
		for _, r := range d.regions {
			if other, exists := owner[r.Name]; exists {
				return fmt.Errorf("%w: region %q is defined by both %s and %s", qsmpipe.ErrInvalidRegionDefinition, r.Name, other, d.name)
			}
			owner[r.Name] = d.name
		}
	}

	return nil
}

type yamlDictionary struct {
	Name    string   `yaml:"name"`
	Regions []Region `yaml:"regions"`
}

// ParseYAML reads
//
//	regions:
//	  - name: Cortical grey matter
//	    codes: [2]
func ParseYAML(r io.Reader, name string) (*Dictionary, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc yamlDictionary
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", qsmpipe.ErrInvalidRegionDefinition, name, err)
	}
	if doc.Name != "" {
		name = doc.Name
	}

	return NewDictionary(name, doc.Regions)
}

var bracketed = regexp.MustCompile(`\[[^\]]*\]`)

// ParseDelimited reads the headerless two column form: a region name, then
// either one code or a bracketed list of codes.
//
//	Cortical grey matter,2
//	Basal ganglia,"[9,10,11]"
//
// The delimiter is detected. Bracketed lists may be left unquoted.
func ParseDelimited(data []byte, name string) (*Dictionary, error) {
	// Commas inside lists would otherwise look like delimiters.
	stripped := bracketed.ReplaceAllLiteral(data, nil)
	delim := qsmpipe.DetermineDelimiter(stripped)
	if !bytes.ContainsRune(stripped, delim) && bytes.ContainsRune(stripped, '\t') {
		delim = '\t'
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var regions []Region
	for line := 1; ; line++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", qsmpipe.ErrInvalidRegionDefinition, name, err)
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: %s line %d: expected a name and its codes, got %q", qsmpipe.ErrInvalidRegionDefinition, name, line, fields)
		}

		value := strings.Join(fields[1:], string(delim))
		codes, err := ParseCodes(value)
		if err != nil {
			// A first line that is not a code is taken to be a header.
			if line == 1 && len(regions) == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: %s line %d (%s): %v", qsmpipe.ErrInvalidRegionDefinition, name, line, fields[0], err)
		}

		regions = append(regions, Region{Name: fields[0], Codes: codes})
	}

	return NewDictionary(name, regions)
}

// ParseCodes parses "7" or "[1, 2, 3]". An empty list parses to no codes,
// which NewDictionary then rejects.
func ParseCodes(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	bracketedList := strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]")
	if bracketedList {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	if value == "" {
		if bracketedList {
			return nil, nil
		}
		return nil, fmt.Errorf("no code given")
	}

	var out []int
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' || r == ' ' || r == '\t' }) {
		code, err := parseCode(part)
		if err != nil {
			return nil, err
		}
		out = append(out, code)
	}

	return out, nil
}

// parseCode accepts integral floats such as "3.0", which spreadsheets like to
// write.
func parseCode(s string) (int, error) {
	if code, err := strconv.Atoi(s); err == nil {
		return code, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("%q is not an integer label code", s)
	}

	return int(f), nil
}

// LoadDictionary reads a dictionary from a local file, which may be
// compressed. .yaml and .yml files are YAML; anything else is the delimited
// form. The dictionary is named after the file.
func LoadDictionary(path string) (*Dictionary, error) {
	rc, err := qsmpipe.OpenMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	name := dictionaryName(path)
	switch filepath.Ext(trimCompressionExt(path)) {
	case ".yaml", ".yml":
		return ParseYAML(bytes.NewReader(data), name)
	}

	return ParseDelimited(data, name)
}

func trimCompressionExt(path string) string {
	for _, ext := range []string{".gz", ".bz2", ".xz", ".zip"} {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext)
		}
	}
	return path
}

func dictionaryName(path string) string {
	base := filepath.Base(trimCompressionExt(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
