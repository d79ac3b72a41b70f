// Package notify is the notification delivery pipeline: templated messages
// rendered per (kind, channel, language), dispatched through channel
// adapters behind per-channel breakers, with a persisted delivery log.
package notify

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
)

// Channel names. Any subset may be enabled per deployment.
const (
	ChannelMessenger = "messenger"
	ChannelEmail     = "email"
	ChannelSMS       = "sms"
)

// placeholderPattern matches {name} substitution slots.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// escapeNormalizations is the whitelist of literal escape sequences
// normalised at render time. Template authors paste these from translation
// files; anything outside the whitelist stays verbatim.
var escapeNormalizations = strings.NewReplacer(
	`\n`, "\n",
	`\t`, "\t",
)

type (
	// Template is one renderable message shape.
	Template struct {
		Kind     string
		Channel  string
		Language string
		Title    string
		Body     string
	}

	// Rendered is a template with all placeholders substituted.
	Rendered struct {
		Title string
		Body  string
		// Markup is the formatting mode the messenger adapter declares.
		Markup string
	}

	// TemplateRegistry resolves (kind, channel, language) to templates.
	// Lookup falls back to the default language when the requested one has
	// no entry.
	TemplateRegistry struct {
		mu        sync.RWMutex
		templates map[string]Template
		fallback  string
	}
)

// NewTemplateRegistry returns a registry with the given fallback language.
func NewTemplateRegistry(fallbackLanguage string) *TemplateRegistry {
	if fallbackLanguage == "" {
		fallbackLanguage = "en"
	}
	return &TemplateRegistry{
		templates: make(map[string]Template),
		fallback:  fallbackLanguage,
	}
}

// Add registers a template, replacing any previous entry for the same
// (kind, channel, language).
func (r *TemplateRegistry) Add(t Template) error {
	if t.Kind == "" || t.Channel == "" || t.Language == "" {
		return fault.New(fault.KindValidation, "template kind, channel and language are required")
	}
	if strings.TrimSpace(t.Body) == "" {
		return fault.Errorf(fault.KindValidation, "template %s/%s/%s has an empty body", t.Kind, t.Channel, t.Language)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[templateKey(t.Kind, t.Channel, t.Language)] = t
	return nil
}

// MustAdd registers templates and panics on error, for static tables.
func (r *TemplateRegistry) MustAdd(ts ...Template) {
	for _, t := range ts {
		if err := r.Add(t); err != nil {
			panic(err)
		}
	}
}

// Lookup resolves a template, falling back to the default language.
func (r *TemplateRegistry) Lookup(kind, channel, language string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.templates[templateKey(kind, channel, language)]; ok {
		return t, nil
	}
	if t, ok := r.templates[templateKey(kind, channel, r.fallback)]; ok {
		return t, nil
	}
	return Template{}, fault.Errorf(fault.KindNotFound, "no template for %s/%s/%s", kind, channel, language)
}

// Render substitutes {placeholder} slots from the payload and normalises
// whitelisted escape sequences. A placeholder with no payload value fails
// the render.
func (t Template) Render(payload map[string]string) (Rendered, error) {
	title, err := substitute(t.Title, payload)
	if err != nil {
		return Rendered{}, fmt.Errorf("template %s/%s/%s title: %w", t.Kind, t.Channel, t.Language, err)
	}
	body, err := substitute(t.Body, payload)
	if err != nil {
		return Rendered{}, fmt.Errorf("template %s/%s/%s body: %w", t.Kind, t.Channel, t.Language, err)
	}
	return Rendered{
		Title: escapeNormalizations.Replace(title),
		Body:  escapeNormalizations.Replace(body),
	}, nil
}

func substitute(s string, payload map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := payload[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fault.Errorf(fault.KindValidation, "missing placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func templateKey(kind, channel, language string) string {
	return kind + "\x00" + channel + "\x00" + language
}
