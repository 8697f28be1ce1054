// Package config loads gatekeeper component configuration from struct tags.
//
// Values are resolved in increasing order of precedence:
//
//  1. envDefault struct tags
//  2. a YAML or JSON file ([Loader.WithFile])
//  3. a dotenv file ([Loader.WithDotEnv])
//  4. the process environment
//
// Nested structs extend the variable prefix with their own env tag, so
// a Redis config nested under `env:"BLACKLIST"` in a loader with prefix
// GATEWAY reads GATEWAY_BLACKLIST_REDIS_URI. After loading, fields tagged
// `required:"true"` are checked and every struct implementing [Validator]
// is validated, innermost first.
package config

import (
	"encoding"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-gatekeeper/pkg/errors"
)

var (
	durationType        = reflect.TypeOf(time.Duration(0))
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// Loader resolves configuration into a struct. The zero value is not
// usable; call New.
type Loader struct {
	envPrefix  string
	filePath   string
	dotEnvPath string
	lookupEnv  func(string) (string, bool)
}

// New returns a Loader reading the process environment.
func New() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// WithEnvPrefix sets the prefix prepended (with "_") to every env tag.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a YAML or JSON file to load. A missing file is ignored.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithDotEnv sets a dotenv file whose variables apply when the process
// environment does not define them. A missing file is ignored.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotEnvPath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()

	err := walk(rv, "", "", func(f field) error {
		if f.def == "" || !f.value.IsZero() {
			return nil
		}
		return f.set(f.def, "default")
	})
	if err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	lookup, err := l.environment()
	if err != nil {
		return err
	}
	err = walk(rv, l.envPrefix, "", func(f field) error {
		if f.env == "" {
			return nil
		}
		val, ok := lookup(f.env)
		if !ok {
			return nil
		}
		return f.set(val, "env var "+strconv.Quote(f.env))
	})
	if err != nil {
		return err
	}

	return validate(rv)
}

// MustLoad loads a T or panics. Intended for main packages.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

// environment layers the dotenv file under the process environment.
func (l *Loader) environment() (func(string) (string, bool), error) {
	if l.dotEnvPath == "" {
		return l.lookupEnv, nil
	}
	values, err := godotenv.Read(l.dotEnvPath)
	if err != nil {
		if os.IsNotExist(err) {
			return l.lookupEnv, nil
		}
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read dotenv file %q", l.dotEnvPath)
	}
	return func(key string) (string, bool) {
		if v, ok := l.lookupEnv(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to parse file %q", l.filePath)
	}
	return nil
}

// field is a settable leaf discovered by walk.
type field struct {
	value    reflect.Value
	path     string
	env      string
	def      string
	required bool
}

func (f field) set(raw, source string) error {
	if err := setValue(f.value, raw); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to set field %q from %s", f.path, source)
	}
	return nil
}

// isLeaf reports whether t is assigned from a single string rather than
// walked into.
func isLeaf(t reflect.Type) bool {
	if t == durationType || reflect.PointerTo(t).Implements(textUnmarshalerType) {
		return true
	}
	return t.Kind() != reflect.Struct
}

func walk(rv reflect.Value, prefix, path string, visit func(field) error) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		fv := rv.Field(i)
		sf := rt.Field(i)
		if !fv.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}
		envTag := sf.Tag.Get("env")

		if !isLeaf(sf.Type) {
			nested := prefix
			if envTag != "" {
				nested = joinEnv(prefix, envTag)
			}
			if err := walk(fv, nested, fieldPath, visit); err != nil {
				return err
			}
			continue
		}

		f := field{
			value:    fv,
			path:     fieldPath,
			def:      sf.Tag.Get("envDefault"),
			required: sf.Tag.Get("required") == "true",
		}
		if envTag != "" {
			f.env = joinEnv(prefix, envTag)
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func setValue(v reflect.Value, raw string) error {
	if v.CanAddr() {
		if tu, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return tu.UnmarshalText([]byte(raw))
		}
	}
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", raw, err)
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", raw, err)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", raw, err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", raw, err)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", raw, err)
		}
		v.SetFloat(n)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", v.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		slice := reflect.MakeSlice(v.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		v.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", v.Kind())
	}
	return nil
}
