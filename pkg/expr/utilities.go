package expr

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Utility is a helper module exposed to expressions.
type Utility interface {
	// Name returns the unique name of the utility
	Name() string

	// Register registers the utility in the VM runtime
	Register(vm *goja.Runtime) error

	// AllowedSecurityLevels returns the security levels that allow this utility
	AllowedSecurityLevels() []string
}

// UtilityRegistry manages available utilities.
type UtilityRegistry struct {
	utilities map[string]Utility
	mu        sync.RWMutex
}

// NewUtilityRegistry creates a registry holding the built-in utilities.
func NewUtilityRegistry(logger *zap.Logger) *UtilityRegistry {
	registry := &UtilityRegistry{
		utilities: make(map[string]Utility),
	}
	registry.Register(&ConsoleUtility{logger: logger})
	registry.Register(&EncodingUtility{})
	registry.Register(&TextUtility{})
	return registry
}

// Register adds a utility to the registry
func (r *UtilityRegistry) Register(utility Utility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utilities[utility.Name()] = utility
}

// RegisterEnabled installs every enabled utility permitted at the configured
// security level. Unknown names are an error.
func (r *UtilityRegistry) RegisterEnabled(vm *goja.Runtime, config *Config) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range config.EnabledUtilities {
		utility, ok := r.utilities[name]
		if !ok {
			return fmt.Errorf("unknown utility: %s", name)
		}
		if !slices.Contains(utility.AllowedSecurityLevels(), config.SecurityLevel) {
			continue
		}
		if err := utility.Register(vm); err != nil {
			return fmt.Errorf("failed to register utility %s: %w", name, err)
		}
	}
	return nil
}

// ConsoleUtility routes console.log and friends to the engine logger.
type ConsoleUtility struct {
	logger *zap.Logger
}

func (u *ConsoleUtility) Name() string { return "console" }

func (u *ConsoleUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *ConsoleUtility) Register(vm *goja.Runtime) error {
	logger := u.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("console")

	console := vm.NewObject()
	methods := map[string]func(string, ...zap.Field){
		"log":   logger.Info,
		"info":  logger.Info,
		"debug": logger.Debug,
		"warn":  logger.Warn,
		"error": logger.Error,
	}
	for name, emit := range methods {
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			emit(strings.Join(parts, " "))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// EncodingUtility provides btoa and atob.
type EncodingUtility struct{}

func (u *EncodingUtility) Name() string { return "encoding" }

func (u *EncodingUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *EncodingUtility) Register(vm *goja.Runtime) error {
	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	}); err != nil {
		return err
	}
	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob: %w", err)))
		}
		return vm.ToValue(string(decoded))
	})
}

// TextUtility exposes language-aware case mapping as text.upper, text.lower
// and text.title. Each takes an optional BCP 47 language tag. text.normalize
// strips diacritics and text.slug turns a string into a lowercase
// dash-separated identifier.
type TextUtility struct{}

func (u *TextUtility) Name() string { return "text" }

func (u *TextUtility) AllowedSecurityLevels() []string {
	return []string{SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive}
}

func (u *TextUtility) Register(vm *goja.Runtime) error {
	text := vm.NewObject()
	mappers := map[string]func(language.Tag) cases.Caser{
		"upper": func(t language.Tag) cases.Caser { return cases.Upper(t) },
		"lower": func(t language.Tag) cases.Caser { return cases.Lower(t) },
		"title": func(t language.Tag) cases.Caser { return cases.Title(t) },
	}
	for name, caser := range mappers {
		if err := text.Set(name, func(call goja.FunctionCall) goja.Value {
			tag := language.Und
			if arg := call.Argument(1); !goja.IsUndefined(arg) {
				parsed, err := language.Parse(arg.String())
				if err != nil {
					panic(vm.NewGoError(fmt.Errorf("text.%s: %w", name, err)))
				}
				tag = parsed
			}
			return vm.ToValue(caser(tag).String(call.Argument(0).String()))
		}); err != nil {
			return err
		}
	}
	if err := text.Set("normalize", func(s string) string { return Normalize(s) }); err != nil {
		return err
	}
	if err := text.Set("slug", func(s string) string { return Slug(s) }); err != nil {
		return err
	}
	return vm.Set("text", text)
}

// Normalize removes combining marks after canonical decomposition, so "Ça
// été" becomes "Ca ete".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Slug lowercases the normalized string and joins its letter and digit runs
// with single dashes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(Normalize(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}
