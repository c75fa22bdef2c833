package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// templateFile is the YAML on-disk form of a template.
type templateFile struct {
	ID                        string   `yaml:"id"`
	DisplayName               string   `yaml:"display_name"`
	Model                     string   `yaml:"model"`
	SystemPrompt              []string `yaml:"system_prompt"`
	InstructionsPrompt        string   `yaml:"instructions_prompt"`
	StepPrompt                string   `yaml:"step_prompt"`
	Tools                     []string `yaml:"tools"`
	SpawnableAgents           []string `yaml:"spawnable_agents"`
	InheritParentSystemPrompt bool     `yaml:"inherit_parent_system_prompt"`
	IncludeMessageHistory     bool     `yaml:"include_message_history"`
	InputSchema               struct {
		Prompt any `yaml:"prompt"`
		Params any `yaml:"params"`
	} `yaml:"input_schema"`
	OutputSchema any `yaml:"output_schema"`
}

// ParseFile parses one YAML template document.
func ParseFile(data []byte) (*Template, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if f.ID == "" {
		return nil, fmt.Errorf("template missing id")
	}
	if f.Model == "" {
		return nil, fmt.Errorf("template %s missing model", f.ID)
	}

	t := &Template{
		ID:                        f.ID,
		DisplayName:               f.DisplayName,
		Model:                     f.Model,
		SystemPrompt:              f.SystemPrompt,
		InstructionsPrompt:        f.InstructionsPrompt,
		StepPrompt:                f.StepPrompt,
		ToolNames:                 f.Tools,
		SpawnableAgents:           f.SpawnableAgents,
		InheritParentSystemPrompt: f.InheritParentSystemPrompt,
		IncludeMessageHistory:     f.IncludeMessageHistory,
	}

	prompt, err := schemaJSON(f.InputSchema.Prompt)
	if err != nil {
		return nil, fmt.Errorf("template %s input_schema.prompt: %w", f.ID, err)
	}
	params, err := schemaJSON(f.InputSchema.Params)
	if err != nil {
		return nil, fmt.Errorf("template %s input_schema.params: %w", f.ID, err)
	}
	if prompt != nil || params != nil {
		t.InputSchema = &InputSchema{Prompt: prompt, Params: params}
	}
	if t.OutputSchema, err = schemaJSON(f.OutputSchema); err != nil {
		return nil, fmt.Errorf("template %s output_schema: %w", f.ID, err)
	}
	return t, nil
}

// schemaJSON converts a YAML-decoded schema value into canonical JSON.
func schemaJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	out, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeYAML rewrites yaml.v3's map[string]any trees; nested
// map[any]any keys become strings so the result marshals as JSON.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}

// LoadDir parses every .yaml/.yml file in dir into the registry.
func LoadDir(dir string, reg *Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		t, err := ParseFile(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		reg.Register(t)
	}
	return nil
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads templates when files in dir are written or created. It
// returns at once; a background goroutine does the reloading until the
// returned stop function is called or the watcher's channels close.
func Watch(dir string, reg *Registry, onErr func(error)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isTemplateFile(filepath.Base(ev.Name)) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, err := os.ReadFile(ev.Name)
				if err != nil {
					continue
				}
				t, err := ParseFile(data)
				if err != nil {
					if onErr != nil {
						onErr(err)
					}
					continue
				}
				reg.Register(t)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
