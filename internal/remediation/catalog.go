// Package remediation はIssue種別から修正内容を組み立てる修正カタログを提供する。
package remediation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hitoshi/seopilot/internal/model"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Entry は1つの修正種別の定義。
type Entry struct {
	Type        string
	Field       string
	Description string
	schema      *gojsonschema.Schema
}

// Catalog はIssue種別ごとの修正定義を保持する。
// 読み込み後は変更されないため、複数のゴルーチンから安全に参照できる。
type Catalog struct {
	entries map[string]*Entry
}

type catalogFile struct {
	FixTypes map[string]struct {
		Field       string         `yaml:"field"`
		Description string         `yaml:"description"`
		Schema      map[string]any `yaml:"schema"`
	} `yaml:"fix_types"`
}

// ValidationError は提案値がスキーマに適合しない場合のエラー。
type ValidationError struct {
	FixType  string
	Problems []string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%sの提案値が不正です: %s", e.FixType, strings.Join(e.Problems, "; "))
}

// Default は埋め込みのカタログを読み込む。
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(defaultCatalog))
}

// LoadFile はpathのYAMLカタログを読み込む。pathが空の場合は埋め込みのカタログを使う。
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("修正カタログの読み込みに失敗しました: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load はYAMLカタログを読み込み、各スキーマをコンパイルする。
func Load(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("修正カタログの解析に失敗しました: %w", err)
	}
	if len(file.FixTypes) == 0 {
		return nil, fmt.Errorf("修正カタログに修正種別が定義されていません")
	}

	c := &Catalog{entries: make(map[string]*Entry, len(file.FixTypes))}
	for name, def := range file.FixTypes {
		if def.Field == "" {
			return nil, fmt.Errorf("修正種別 %s にfieldがありません", name)
		}
		e := &Entry{Type: name, Field: def.Field, Description: def.Description}
		if def.Schema != nil {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Schema))
			if err != nil {
				return nil, fmt.Errorf("修正種別 %s のスキーマが不正です: %w", name, err)
			}
			e.schema = schema
		}
		c.entries[name] = e
	}
	return c, nil
}

// Types は定義済みの修正種別をソートして返す。
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.entries))
	for t := range c.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Lookup は修正種別の定義を返す。未定義の場合はfalse。
func (c *Catalog) Lookup(fixType string) (*Entry, bool) {
	e, ok := c.entries[fixType]
	return e, ok
}

// Candidate はIssueに対する修正案を組み立てる。
// 提案値はIssueの推奨修正をそのまま使う。
func (c *Catalog) Candidate(issue *model.Issue) (*model.Fix, error) {
	e, ok := c.entries[issue.Type]
	if !ok {
		return nil, model.NewUnsupportedFixTypeError(issue.Type)
	}
	return &model.Fix{
		IssueID:       issue.ID,
		ConnectionID:  issue.ConnectionID,
		Type:          issue.Type,
		Description:   e.Description,
		PageURL:       issue.PageURL,
		ResourceRef:   issue.ResourceRef,
		Field:         e.Field,
		ProposedValue: strings.TrimSpace(issue.Recommendation),
		Reasoning:     issue.Detail,
		Status:        model.FixStatusPending,
	}, nil
}

// Validate は提案値を修正種別のスキーマで検証する。
func (c *Catalog) Validate(fixType, value string) error {
	e, ok := c.entries[fixType]
	if !ok {
		return model.NewUnsupportedFixTypeError(fixType)
	}
	if e.schema == nil {
		return nil
	}

	doc, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return fmt.Errorf("提案値の変換に失敗しました: %w", err)
	}
	result, err := e.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("提案値の検証に失敗しました: %w", err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{FixType: fixType}
	for _, re := range result.Errors() {
		verr.Problems = append(verr.Problems, re.String())
	}
	return verr
}
