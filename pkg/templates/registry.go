// Package templates holds the declarative catalog of contract templates whose
// on-chain state is mirrored by the sync service.
//
// A template names its ABI and the ordered list of zero-argument view
// functions that make up its state. Decoders for those fields are bound once
// when the catalog is loaded, so reading any template is the same loop over an
// explicit field list.
package templates

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"gopkg.in/yaml.v3"

	"github.com/jquan18/Civitas-sub001/pkg/chain"
)

//go:embed catalog.yaml abi/*.json
var embedded embed.FS

const catalogFile = "catalog.yaml"

type StateField struct {
	Name   string
	Decode chain.Decoder
}

// TerminalRule marks a contract finished once the rendered value of Field equals Equals.
type TerminalRule struct {
	Field  string `yaml:"field" json:"field"`
	Equals string `yaml:"equals" json:"equals"`
}

type Definition struct {
	ID                  string
	Name                string
	Description         string
	FactoryFunctionName string
	FactoryEventName    string
	ABI                 *abi.ABI
	RawABI              json.RawMessage
	StateFields         []StateField
	Roles               []string
	Terminal            *TerminalRule
}

// FieldNames returns the state field names in catalog order.
func (d *Definition) FieldNames() []string {
	out := make([]string, len(d.StateFields))
	for i, f := range d.StateFields {
		out[i] = f.Name
	}
	return out
}

// IsTerminal reports whether snapshot satisfies the template's terminal rule.
// A nil value (failed read) never counts as terminal.
func (d *Definition) IsTerminal(snapshot map[string]any) bool {
	if d.Terminal == nil {
		return false
	}
	v, ok := snapshot[d.Terminal.Field]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == d.Terminal.Equals
}

// MarshalJSON renders the catalog entry for UI collaborators.
func (d *Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":               d.ID,
		"name":             d.Name,
		"description":      d.Description,
		"factory_function": d.FactoryFunctionName,
		"factory_event":    d.FactoryEventName,
		"state_fields":     d.FieldNames(),
		"roles":            d.Roles,
		"terminal":         d.Terminal,
		"abi":              d.RawABI,
	})
}

type Registry struct {
	byID map[string]*Definition
	ids  []string
}

// Lookup resolves id to a definition. Ids stored in the humanized form
// (RentVault) are canonicalized and retried once.
func (r *Registry) Lookup(id string) (*Definition, bool) {
	if def, ok := r.byID[id]; ok {
		return def, true
	}
	def, ok := r.byID[Canonicalize(id)]
	return def, ok
}

// List returns every definition ordered by id.
func (r *Registry) List() []*Definition {
	out := make([]*Definition, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}

// Canonicalize inserts an underscore at every lowercase-to-uppercase boundary
// and lowercases the result: StableAllowanceTreasury -> stable_allowance_treasury.
func Canonicalize(id string) string {
	var b strings.Builder
	b.Grow(len(id) + 4)
	var prev rune
	for i, r := range id {
		if i > 0 && unicode.IsLower(prev) && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}
	return b.String()
}

type catalogDoc struct {
	Templates []catalogEntry `yaml:"templates"`
}

type catalogEntry struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	Description     string        `yaml:"description"`
	FactoryFunction string        `yaml:"factory_function"`
	FactoryEvent    string        `yaml:"factory_event"`
	ABI             string        `yaml:"abi"`
	Roles           []string      `yaml:"roles"`
	StateFields     []string      `yaml:"state_fields"`
	Terminal        *TerminalRule `yaml:"terminal"`
}

// Default loads the catalog compiled into the binary.
func Default() (*Registry, error) {
	return Load(embedded, catalogFile)
}

// MustDefault is Default for package-level initialisation and tests.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Load reads a catalog file from fsys. ABI paths in the catalog are resolved
// relative to the catalog's directory.
func Load(fsys fs.FS, catalogPath string) (*Registry, error) {
	raw, err := fs.ReadFile(fsys, catalogPath)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	var doc catalogDoc
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}

	reg := &Registry{byID: make(map[string]*Definition, len(doc.Templates))}
	base := path.Dir(catalogPath)
	for i, entry := range doc.Templates {
		def, err := buildDefinition(fsys, base, entry)
		if err != nil {
			return nil, fmt.Errorf("templates[%d]: %w", i, err)
		}
		if _, dup := reg.byID[def.ID]; dup {
			return nil, fmt.Errorf("templates[%d]: duplicate template id %q", i, def.ID)
		}
		reg.byID[def.ID] = def
		reg.ids = append(reg.ids, def.ID)
	}
	sort.Strings(reg.ids)
	return reg, nil
}

func buildDefinition(fsys fs.FS, base string, entry catalogEntry) (*Definition, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	if id != Canonicalize(id) {
		return nil, fmt.Errorf("id %q is not canonical, expected %q", id, Canonicalize(id))
	}
	if len(entry.StateFields) == 0 {
		return nil, fmt.Errorf("%s: state_fields is empty", id)
	}
	rawABI, err := fs.ReadFile(fsys, path.Join(base, entry.ABI))
	if err != nil {
		return nil, fmt.Errorf("%s: read abi: %w", id, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(rawABI))
	if err != nil {
		return nil, fmt.Errorf("%s: parse abi: %w", id, err)
	}

	def := &Definition{
		ID:                  id,
		Name:                entry.Name,
		Description:         entry.Description,
		FactoryFunctionName: entry.FactoryFunction,
		FactoryEventName:    entry.FactoryEvent,
		ABI:                 &parsed,
		RawABI:              json.RawMessage(rawABI),
		Roles:               entry.Roles,
		Terminal:            entry.Terminal,
	}
	seen := map[string]struct{}{}
	for _, name := range entry.StateFields {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%s: duplicate state field %q", id, name)
		}
		seen[name] = struct{}{}
		method, ok := parsed.Methods[name]
		if !ok {
			return nil, fmt.Errorf("%s: state field %q has no abi method", id, name)
		}
		if len(method.Inputs) != 0 {
			return nil, fmt.Errorf("%s: state field %q takes %d arguments", id, name, len(method.Inputs))
		}
		if !method.IsConstant() {
			return nil, fmt.Errorf("%s: state field %q is not a view function", id, name)
		}
		if len(method.Outputs) != 1 {
			return nil, fmt.Errorf("%s: state field %q returns %d values", id, name, len(method.Outputs))
		}
		decode, err := chain.DecoderFor(method.Outputs[0].Type)
		if err != nil {
			return nil, fmt.Errorf("%s: state field %q: %w", id, name, err)
		}
		def.StateFields = append(def.StateFields, StateField{Name: name, Decode: decode})
	}
	if def.Terminal != nil {
		if _, ok := seen[def.Terminal.Field]; !ok {
			return nil, fmt.Errorf("%s: terminal field %q is not a state field", id, def.Terminal.Field)
		}
	}
	return def, nil
}
