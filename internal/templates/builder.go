// Package templates renders world profiles into prompt context text. The
// template function map is restricted so rendered output depends only on the
// profile: helpers that reach the environment, the filesystem, the clock, or
// a randomness source are removed.
package templates

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/hopeoverture/worldweaver-gate/internal/cache"
)

// DefaultSource is the built-in context template, used when no override file
// is configured. It renders a compact preamble from whichever profile fields
// are present.
const DefaultSource = `World: {{ .Name }}{{ with .Genre }} ({{ . }}){{ end }}
{{- with .Tone }}
Tone: {{ . }}{{ end }}
{{- with .Audience }}
Audience: {{ . }}{{ end }}
{{- with .Description }}
Overview: {{ . }}{{ end }}
{{- with .Themes }}
Themes: {{ join ", " . }}{{ end }}
{{- with .Factions }}
Factions: {{ join ", " . }}{{ end }}
{{- with .Locations }}
Notable locations: {{ join ", " . }}{{ end }}
{{- with .Rules }}
House rules: {{ join "; " . }}{{ end }}
`

// Builder holds a compiled context template. Builders are safe for
// concurrent use.
type Builder struct {
	tmpl   *template.Template
	name   string
	logger *slog.Logger
}

// NewBuilder compiles the context template. An empty path compiles the
// built-in source; otherwise the file's contents replace it. Parse failures
// are returned so a broken override is caught at startup rather than on the
// first request.
func NewBuilder(path string, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := "builtin"
	source := DefaultSource
	if path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("templates: read %q: %w", path, err)
		}
		name = filepath.Base(path)
		source = string(contents)
	}
	tmpl, err := template.New(name).Funcs(buildFuncs()).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Builder{tmpl: tmpl, name: name, logger: logger}, nil
}

// Name exposes the logical template name for logs.
func (b *Builder) Name() string {
	if b == nil {
		return ""
	}
	return b.name
}

// Build renders the canonical projection of the profile. A template that
// fails at execution falls back to the plain rendering, so context delivery
// never depends on template health.
func (b *Builder) Build(profile cache.WorldProfile) (string, error) {
	canonical := profile.Normalized()
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, canonical); err != nil {
		b.logger.Warn("context template failed, using plain rendering",
			slog.String("template", b.name),
			slog.String("world", canonical.ID),
			slog.Any("error", err),
		)
		return plainRender(canonical), nil
	}
	return buf.String(), nil
}

// buildFuncs returns the sprig function map minus the helpers whose output
// depends on anything other than the template data. Templates that reference
// a removed helper fail at parse time.
func buildFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env", "expandenv",
		"readDir", "mustReadDir", "readFile", "mustReadFile", "glob",
		"now", "date", "dateInZone", "dateModify", "mustDateModify", "ago",
		"htmlDate", "htmlDateInZone", "toDate", "mustToDate", "unixEpoch",
		"randAlpha", "randAlphaNum", "randAscii", "randNumeric", "randBytes", "randInt",
		"uuidv4", "shuffle", "bcrypt", "htpasswd",
		"genPrivateKey", "genCA", "genCAWithKey", "genSelfSignedCert",
		"genSelfSignedCertWithKey", "genSignedCert", "genSignedCertWithKey",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	return funcs
}

// plainRender is the template-free fallback. Field order is fixed and the
// input is already canonical, so the result is as stable as the template's.
func plainRender(p cache.WorldProfile) string {
	var b strings.Builder
	b.WriteString("World: ")
	b.WriteString(p.Name)
	if p.Genre != "" {
		b.WriteString(" (")
		b.WriteString(p.Genre)
		b.WriteString(")")
	}
	writeLine(&b, "Tone", p.Tone)
	writeLine(&b, "Audience", p.Audience)
	writeLine(&b, "Overview", p.Description)
	writeLine(&b, "Themes", strings.Join(p.Themes, ", "))
	writeLine(&b, "Factions", strings.Join(p.Factions, ", "))
	writeLine(&b, "Notable locations", strings.Join(p.Locations, ", "))
	writeLine(&b, "House rules", strings.Join(p.Rules, "; "))
	b.WriteString("\n")
	return b.String()
}

func writeLine(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString("\n")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
}
