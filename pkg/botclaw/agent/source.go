package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jholhewres/botclaw/pkg/botclaw/auth"
	"github.com/jholhewres/botclaw/pkg/botclaw/channels"
	"gopkg.in/yaml.v3"
)

// ModuleSource supplies a named set of commands. Reloading a source
// replaces all of its commands at once.
type ModuleSource interface {
	Name() string
	Commands(ctx context.Context) ([]Command, error)
}

// StaticSource is a compiled-in module.
type StaticSource struct {
	SourceName string
	List       func() []Command
}

// Name returns the source name.
func (s StaticSource) Name() string { return s.SourceName }

// Commands returns a fresh command list.
func (s StaticSource) Commands(context.Context) ([]Command, error) {
	return s.List(), nil
}

// Catalog maps handler names to handlers that module files can reference.
type Catalog map[string]Handler

// ModuleFile is the YAML layout of a module file.
//
//	name: fun
//	commands:
//	  - name: hello
//	    pattern: '(\w+)?'
//	    reply: "hello {{ or (index .Args 0) .Sender }}"
//	  - name: roll
//	    aliases: [r]
//	    handler: dice
//	    permission: [or, chat, fetch]
type ModuleFile struct {
	Name     string          `yaml:"name"`
	Commands []CommandConfig `yaml:"commands"`
}

// CommandConfig is one command in a module file. Exactly one of Handler
// and Reply must be set.
type CommandConfig struct {
	Name        string              `yaml:"name"`
	Aliases     []string            `yaml:"aliases,omitempty"`
	Event       string              `yaml:"event,omitempty"`
	Symbol      string              `yaml:"symbol,omitempty"`
	Pattern     string              `yaml:"pattern,omitempty"`
	Permission  auth.PermissionSpec `yaml:"permission,omitempty"`
	Description string              `yaml:"description,omitempty"`

	// Handler names a catalog handler.
	Handler string `yaml:"handler,omitempty"`

	// Reply is a sandboxed template rendered and sent as the reply.
	Reply string `yaml:"reply,omitempty"`
}

// FileSource loads commands from a YAML module file.
type FileSource struct {
	Path    string
	Catalog Catalog
}

// NewFileSource creates a file-backed source.
func NewFileSource(path string, catalog Catalog) *FileSource {
	return &FileSource{Path: path, Catalog: catalog}
}

// Name is "file:" plus the file's base name without extension.
func (f *FileSource) Name() string {
	base := filepath.Base(f.Path)
	return "file:" + strings.TrimSuffix(base, filepath.Ext(base))
}

// Commands parses the file. Problems with single commands are attached to
// those commands and reported when they are loaded.
func (f *FileSource) Commands(context.Context) ([]Command, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", f.Path, err)
	}
	return ParseModule(data, f.Catalog)
}

// ParseModule decodes module YAML into commands.
func ParseModule(data []byte, catalog Catalog) ([]Command, error) {
	var mf ModuleFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse module: %w", err)
	}
	cmds := make([]Command, 0, len(mf.Commands))
	for _, cc := range mf.Commands {
		cmds = append(cmds, cc.build(catalog))
	}
	return cmds, nil
}

func (cc CommandConfig) build(catalog Catalog) Command {
	cmd := Command{
		Event:       channels.PostType(cc.Event),
		Name:        cc.Name,
		Aliases:     cc.Aliases,
		Pattern:     cc.Pattern,
		Symbol:      cc.Symbol,
		Permission:  cc.Permission,
		Description: cc.Description,
	}
	switch {
	case cc.Handler != "" && cc.Reply != "":
		cmd.loadErr = fmt.Errorf("handler and reply are mutually exclusive")
	case cc.Handler != "":
		h, ok := catalog[cc.Handler]
		if !ok {
			cmd.loadErr = fmt.Errorf("unknown handler %q", cc.Handler)
			break
		}
		cmd.Handler = h
	case cc.Reply != "":
		tmpl, err := CompileTemplate(cc.Name, cc.Reply)
		if err != nil {
			cmd.loadErr = err
			break
		}
		cmd.Handler = TemplateHandler(tmpl)
	default:
		cmd.loadErr = fmt.Errorf("either handler or reply is required")
	}
	return cmd
}

// TemplateHandler replies with the rendered template.
func TemplateHandler(t *Template) Handler {
	return func(c *Context, m *Match) error {
		out, err := t.Render(NewTemplateData(c, m))
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return nil
		}
		return c.Reply(out)
	}
}
