package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"fetcharr/internal/services"
)

// Step type tags. The set is closed; templates referencing anything else are
// rejected at load time.
const (
	StepSearch       = "search"
	StepDownload     = "download"
	StepEncode       = "encode"
	StepDeliver      = "deliver"
	StepNotification = "notification"
	StepApproval     = "approval"
	StepExtract      = "extract"
)

// StepSpec is one immutable template node. A node may carry children that run
// after it in order.
type StepSpec struct {
	Type            string          `json:"type"`
	Name            string          `json:"name"`
	Config          json.RawMessage `json:"config,omitempty"`
	Required        bool            `json:"required"`
	Retryable       bool            `json:"retryable"`
	ContinueOnError bool            `json:"continueOnError"`
	MaxAttempts     int             `json:"maxAttempts,omitempty"`
	Children        []StepSpec      `json:"children,omitempty"`
}

// Template is a named, validated step tree.
type Template struct {
	ID   string   `json:"id"`
	Root StepSpec `json:"root"`
}

// Library resolves template ids to validated step trees. Templates register
// once at startup; lookups are concurrency-safe.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*Template
	registry  *Registry
}

// NewLibrary constructs an empty library validating against the given registry.
func NewLibrary(registry *Registry) *Library {
	return &Library{
		templates: make(map[string]*Template),
		registry:  registry,
	}
}

// Register validates and adds a template. A duplicate id is a configuration
// error.
func (l *Library) Register(tpl *Template) error {
	if tpl == nil || strings.TrimSpace(tpl.ID) == "" {
		return services.Wrap(services.ErrConfiguration, "pipeline", "register template", "template id is required", nil)
	}
	if err := l.validate(tpl); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.templates[tpl.ID]; exists {
		return services.Wrap(services.ErrConfiguration, "pipeline", "register template",
			fmt.Sprintf("template %q already registered", tpl.ID), nil)
	}
	l.templates[tpl.ID] = tpl
	return nil
}

// LoadDir registers every *.json template found in dir. A missing dir is not
// an error.
func (l *Library) LoadDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read template dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", path, err)
		}
		var tpl Template
		if err := json.Unmarshal(data, &tpl); err != nil {
			return services.Wrap(services.ErrConfiguration, "pipeline", "load template",
				fmt.Sprintf("template %s is not valid JSON", path), err)
		}
		if tpl.ID == "" {
			tpl.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		if err := l.Register(&tpl); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves a template id. Unknown ids are configuration errors.
func (l *Library) Get(id string) (*Template, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tpl, ok := l.templates[id]
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "resolve template",
			fmt.Sprintf("unknown template %q", id), nil)
	}
	return tpl, nil
}

// IDs lists registered template ids.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	return ids
}

// validate walks the whole tree up front so execution never meets an unknown
// step type or a duplicate name.
func (l *Library) validate(tpl *Template) error {
	seen := make(map[string]struct{})
	return l.validateNode(tpl.ID, &tpl.Root, seen)
}

func (l *Library) validateNode(templateID string, spec *StepSpec, seen map[string]struct{}) error {
	if strings.TrimSpace(spec.Name) == "" {
		return services.Wrap(services.ErrConfiguration, "pipeline", "validate template",
			fmt.Sprintf("template %q has a step without a name", templateID), nil)
	}
	if _, dup := seen[spec.Name]; dup {
		return services.Wrap(services.ErrConfiguration, "pipeline", "validate template",
			fmt.Sprintf("template %q reuses step name %q", templateID, spec.Name), nil)
	}
	seen[spec.Name] = struct{}{}
	if l.registry != nil && !l.registry.Known(spec.Type) {
		return services.Wrap(services.ErrConfiguration, "pipeline", "validate template",
			fmt.Sprintf("template %q step %q has unknown type %q", templateID, spec.Name, spec.Type), nil)
	}
	if spec.MaxAttempts < 0 {
		return services.Wrap(services.ErrConfiguration, "pipeline", "validate template",
			fmt.Sprintf("template %q step %q has negative maxAttempts", templateID, spec.Name), nil)
	}
	if l.registry != nil {
		if handler, err := l.registry.Handler(spec.Type); err == nil {
			if validator, ok := handler.(SpecValidator); ok {
				if err := validator.ValidateSpec(*spec); err != nil {
					return services.Wrap(services.ErrConfiguration, "pipeline", "validate template",
						fmt.Sprintf("template %q step %q", templateID, spec.Name), err)
				}
			}
		}
	}
	for i := range spec.Children {
		if err := l.validateNode(templateID, &spec.Children[i], seen); err != nil {
			return err
		}
	}
	return nil
}
