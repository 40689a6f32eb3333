package bindpack

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var configSchema string

// DefaultConfigFile is the configuration file looked up by the CLI.
const DefaultConfigFile = "bindpack.yaml"

// Config is the explicit configuration of a pipeline run, usually read
// from bindpack.yaml. Every stage is constructed from it; nothing is read
// from ambient process state except the credential variables named by
// RegistryConfig.CredentialEnv.
type Config struct {
	Name        string                 `yaml:"name"`
	Version     string                 `yaml:"version"`
	ABIVersion  string                 `yaml:"abi_version"`
	Source      string                 `yaml:"source"`
	Manifest    string                 `yaml:"manifest,omitempty"`
	LibName     string                 `yaml:"lib_name,omitempty"`
	WorkDir     string                 `yaml:"work_dir,omitempty"`
	OutDir      string                 `yaml:"out_dir,omitempty"`
	CacheDir    string                 `yaml:"cache_dir,omitempty"`
	Concurrency int                    `yaml:"concurrency,omitempty"`
	Toolchain   ToolchainPin           `yaml:"toolchain,omitempty"`
	Compiler    *GenericCompilerConfig `yaml:"compiler,omitempty"`
	BuildArgs   []string               `yaml:"build_args,omitempty"`
	Env         map[string]string      `yaml:"env,omitempty"`
	Targets     []TargetSpec           `yaml:"targets"`
	Generator   GeneratorConfig        `yaml:"generator"`
	Bindings    []BindingConfig        `yaml:"bindings"`
	Suites      []TestSuite            `yaml:"suites,omitempty"`
	Registries  []RegistryConfig       `yaml:"registries,omitempty"`
	Retry       RetryPolicy            `yaml:"retry,omitempty"`
	Offline     bool                   `yaml:"offline,omitempty"`
}

// GeneratorConfig locates the binding generation tool.
type GeneratorConfig struct {
	Tool string `yaml:"tool"`
}

// BindingConfig declares the bindings and bundle of one language.
type BindingConfig struct {
	Language  string     `yaml:"language"`
	Kind      BundleKind `yaml:"kind"`
	Name      string     `yaml:"name,omitempty"`    // package name, defaults to Config.Name
	Flags     []string   `yaml:"flags,omitempty"`   // passed to the generator in this order
	Targets   []string   `yaml:"targets,omitempty"` // platform-arch keys, defaults to the whole matrix
	OutputDir string     `yaml:"output_dir,omitempty"`
}

// RegistryConfig selects the registry a language publishes to.
type RegistryConfig struct {
	Language      string `yaml:"language"`
	Kind          string `yaml:"kind"` // local or http
	Endpoint      string `yaml:"endpoint"`
	CredentialEnv string `yaml:"credential_env,omitempty"`
}

// LoadConfig reads, validates and defaults the configuration at path.
// Relative paths in the file are resolved against its directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses configuration data. filename names the source in
// error messages and anchors relative paths.
func ParseConfig(data []byte, filename string) (*Config, error) {
	if err := validateSchema(data, filename); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	cfg.applyDefaults(filepath.Dir(filename))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return &cfg, nil
}

// validateSchema checks the raw document against the #Config definition.
func validateSchema(data []byte, filename string) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s: invalid configuration:\n%s", filename, strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

func (c *Config) applyDefaults(base string) {
	if c.Manifest == "" {
		c.Manifest = "Cargo.toml"
	}
	if c.LibName == "" {
		c.LibName = c.Name
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(".bindpack", "work")
	}
	if c.OutDir == "" {
		c.OutDir = "dist"
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(".bindpack", "cache")
	}
	if c.Concurrency < 1 {
		c.Concurrency = runtime.NumCPU()
	}
	c.Retry = c.Retry.withDefaults()

	c.Source = resolvePath(base, c.Source)
	c.WorkDir = resolvePath(base, c.WorkDir)
	c.OutDir = resolvePath(base, c.OutDir)
	c.CacheDir = resolvePath(base, c.CacheDir)
	if strings.ContainsRune(c.Generator.Tool, '/') {
		c.Generator.Tool = resolvePath(base, c.Generator.Tool)
	}
	for i := range c.Targets {
		if c.Targets[i].OutputPath != "" {
			c.Targets[i].OutputPath = resolvePath(base, c.Targets[i].OutputPath)
		}
	}

	keys := c.TargetKeys()
	for i := range c.Bindings {
		b := &c.Bindings[i]
		if b.Name == "" {
			b.Name = c.Name
		}
		if len(b.Targets) == 0 {
			b.Targets = keys
		}
		if b.OutputDir != "" {
			b.OutputDir = resolvePath(base, b.OutputDir)
		}
	}
	for i := range c.Registries {
		if c.Registries[i].Kind == "local" {
			c.Registries[i].Endpoint = resolvePath(base, c.Registries[i].Endpoint)
		}
	}
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// Validate checks the cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	var errs []error

	if !semver.IsValid("v" + c.Version) {
		errs = append(errs, fmt.Errorf("version %q is not a semantic version", c.Version))
	}
	if err := checkMatrix(c.Targets); err != nil {
		errs = append(errs, err)
	}

	targets := make(map[string]TargetSpec, len(c.Targets))
	for _, target := range c.Targets {
		targets[target.Key()] = target
	}

	languages := make(map[string]bool, len(c.Bindings))
	for _, b := range c.Bindings {
		if languages[b.Language] {
			errs = append(errs, fmt.Errorf("language %s has more than one binding", b.Language))
		}
		languages[b.Language] = true

		if !b.Kind.Valid() {
			errs = append(errs, fmt.Errorf("binding %s: unknown kind %q", b.Language, b.Kind))
		}
		var platform string
		for _, key := range b.Targets {
			target, ok := targets[key]
			if !ok {
				errs = append(errs, fmt.Errorf("binding %s: unknown target %s", b.Language, key))
				continue
			}
			if b.Kind == KindSlice {
				if platform == "" {
					platform = normalizePlatform(target.Platform)
				} else if normalizePlatform(target.Platform) != platform {
					errs = append(errs, fmt.Errorf("binding %s: slice bundle mixes platforms %s and %s", b.Language, platform, target.Platform))
				}
			}
		}
	}

	suites := make(map[string]bool, len(c.Suites))
	for _, suite := range c.Suites {
		if suites[suite.Language] {
			errs = append(errs, fmt.Errorf("language %s has more than one test suite", suite.Language))
		}
		suites[suite.Language] = true
	}

	registries := make(map[string]bool, len(c.Registries))
	for _, r := range c.Registries {
		if registries[r.Language] {
			errs = append(errs, fmt.Errorf("language %s has more than one registry", r.Language))
		}
		registries[r.Language] = true
		if !languages[r.Language] {
			errs = append(errs, fmt.Errorf("registry for %s has no binding", r.Language))
		}
		if !suites[r.Language] {
			errs = append(errs, fmt.Errorf("registry for %s has no test suite; only a passed suite can be published", r.Language))
		}
		if r.Kind != "local" && r.Kind != "http" {
			errs = append(errs, fmt.Errorf("registry for %s: unknown kind %q", r.Language, r.Kind))
		}
	}

	return errors.Join(errs...)
}

// TargetKeys returns the platform-arch keys of the matrix in declared order.
func (c *Config) TargetKeys() []string {
	keys := make([]string, len(c.Targets))
	for i, target := range c.Targets {
		keys[i] = target.Key()
	}
	return keys
}

// BindingSpecs returns one generator invocation per language.
func (c *Config) BindingSpecs() []BindingSpec {
	specs := make([]BindingSpec, len(c.Bindings))
	for i, b := range c.Bindings {
		specs[i] = BindingSpec{Language: b.Language, Flags: b.Flags, OutputDir: b.OutputDir}
	}
	return specs
}

// BundleGroups expands the bindings into merge groups. A single-kind
// binding yields one group per target whose name carries the platform tag;
// the other kinds yield one group over all their targets.
func (c *Config) BundleGroups() []BundleGroup {
	targets := make(map[string]TargetSpec, len(c.Targets))
	for _, target := range c.Targets {
		targets[target.Key()] = target
	}

	var groups []BundleGroup
	for _, b := range c.Bindings {
		if b.Kind == KindSingle {
			for _, key := range b.Targets {
				groups = append(groups, BundleGroup{
					ID:       b.Language + "/" + key,
					Language: b.Language,
					Name:     b.Name + "-" + key,
					Kind:     b.Kind,
					Platform: targets[key].Platform,
					Targets:  []string{key},
				})
			}
			continue
		}

		group := BundleGroup{
			ID:       b.Language,
			Language: b.Language,
			Name:     b.Name,
			Kind:     b.Kind,
			Targets:  append([]string(nil), b.Targets...),
		}
		if b.Kind == KindSlice && len(b.Targets) > 0 {
			group.Platform = targets[b.Targets[0]].Platform
		}
		groups = append(groups, group)
	}
	return groups
}

// OpenRegistries creates the configured registries keyed by language.
// getenv resolves credential references.
func (c *Config) OpenRegistries(getenv func(string) string) map[string]Registry {
	registries := make(map[string]Registry, len(c.Registries))
	for _, r := range c.Registries {
		switch r.Kind {
		case "local":
			registries[r.Language] = NewLocalRegistry(r.Endpoint)
		case "http":
			token := ""
			if r.CredentialEnv != "" {
				token = getenv(r.CredentialEnv)
			}
			registries[r.Language] = NewHTTPRegistry(r.Endpoint, token, nil)
		}
	}
	return registries
}

// NewCompiler selects the compiler for the configured manifest. A
// configured generic compiler takes precedence over the built-in ones.
func (c *Config) NewCompiler(runner CommandRunner) (Compiler, error) {
	factory := NewCompilerFactory(runner)
	if c.Compiler != nil {
		generic := NewGenericCompiler(c.Compiler)
		generic.Runner = runner
		factory.RegisterFirst(generic)
	}
	return factory.CompilerFor(c.Manifest)
}

// Languages returns the configured binding languages, sorted.
func (c *Config) Languages() []string {
	languages := make([]string, 0, len(c.Bindings))
	for _, b := range c.Bindings {
		languages = append(languages, b.Language)
	}
	sort.Strings(languages)
	return languages
}
