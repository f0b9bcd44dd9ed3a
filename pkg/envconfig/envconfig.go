// Package envconfig implements the reflection-based environment-variable
// config loader shared by the server and client binaries: struct fields
// tagged `env:"NAME=default"` (or `env:"NAME?=default"` to allow explicitly
// setting an empty value) are populated from a list of "KEY=VALUE" strings,
// with optional systemd-credential expansion via the `sdcreds` tag.
package envconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// UIDGID is a parsed "user[:group]" specifier, as accepted by fields tagged
// `env:"..."` of type *UIDGID.
type UIDGID [2]int

// Unmarshal unmarshals the environment variables in es (each "KEY=VALUE")
// into c, which must be a pointer to a struct whose fields carry `env`
// struct tags. Only variables whose key starts with one of prefixes is
// considered; this lets a single process host more than one Config without
// cross-contamination (e.g. a reverse-tunnel client embedding an admin
// surface config alongside its own).
//
// If incremental is true, default values are not applied for env vars that
// are entirely absent from es (only for ones present but empty), which is
// how SIGHUP reloads avoid clobbering a value the operator removed from one
// source but not another.
func Unmarshal(c any, es []string, prefixes []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(k, p) {
				em[k] = v
				break
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			v, err := sdcreds(v, ctf.Tag.Get("sdcreds"))
			if err != nil {
				return fmt.Errorf("env %s: expand systemd credentials: %w", key, err)
			}
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		if err := setField(cv.FieldByName(ctf.Name), key, val); err != nil {
			return err
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

func setField(cvf reflect.Value, key, val string) error {
	switch cvf.Interface().(type) {
	case string:
		cvf.SetString(val)
	case int, int8, int16, int32, int64:
		if val == "" {
			cvf.SetInt(0)
		} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
			cvf.SetInt(v)
		} else {
			return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
		}
	case uint, uint8, uint16, uint32, uint64:
		if val == "" {
			cvf.SetUint(0)
		} else if v, err := strconv.ParseUint(val, 10, 64); err == nil {
			cvf.SetUint(v)
		} else {
			return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
		}
	case bool:
		if val == "" {
			cvf.SetBool(false)
		} else if v, err := strconv.ParseBool(val); err == nil {
			cvf.SetBool(v)
		} else {
			return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
		}
	case []string:
		if val == "" {
			cvf.Set(reflect.ValueOf([]string{}))
		} else {
			cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
		}
	case zerolog.Level:
		if v, err := zerolog.ParseLevel(val); err == nil {
			cvf.Set(reflect.ValueOf(v))
		} else {
			return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
		}
	case time.Duration:
		if v, err := time.ParseDuration(val); err == nil {
			cvf.Set(reflect.ValueOf(v))
		} else {
			return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
		}
	case fs.FileMode:
		if val == "" {
			cvf.Set(reflect.ValueOf(fs.FileMode(0)))
		} else if v, err := strconv.ParseUint(val, 8, 32); err == nil {
			cvf.Set(reflect.ValueOf(fs.FileMode(v)))
		} else {
			return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
		}
	case *UIDGID:
		if val == "" {
			cvf.Set(reflect.ValueOf((*UIDGID)(nil)))
		} else if v, err := parseUIDGID(val); err == nil {
			cvf.Set(reflect.ValueOf(&v))
		} else {
			return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
		}
	case netip.AddrPort:
		if val == "" {
			cvf.Set(reflect.ValueOf(netip.AddrPort{}))
		} else if v, err := netip.ParseAddrPort(val); err == nil {
			cvf.Set(reflect.ValueOf(v))
		} else if len(val) > 0 && val[0] == ':' {
			if v, err := netip.ParseAddrPort("[::]" + val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		} else {
			return fmt.Errorf("env %s (%T): parse %q: invalid address:port", key, cvf.Interface(), val)
		}
	default:
		return fmt.Errorf("unhandled type %T (env %s)", cvf.Interface(), key)
	}
	return nil
}

func parseUIDGID(s string) (UIDGID, error) {
	var u UIDGID

	if runtime.GOOS == "windows" {
		return u, fmt.Errorf("not supported on windows")
	}
	if s == "" {
		return u, fmt.Errorf("must not be empty")
	}

	su, sg, hg := strings.Cut(s, ":")

	if su == "" || sg == "" {
		if x, err := user.Current(); err != nil {
			return u, fmt.Errorf("get current user: %w", err)
		} else if uid, err := strconv.ParseInt(x.Uid, 10, 64); err != nil {
			return u, fmt.Errorf("get current user: parse uid %q: %w", x.Uid, err)
		} else if gid, err := strconv.ParseInt(x.Gid, 10, 64); err != nil {
			return u, fmt.Errorf("get current user: parse gid %q: %w", x.Gid, err)
		} else {
			u = UIDGID{int(uid), int(gid)}
		}
	}
	if su != "" {
		if uid, err := strconv.ParseInt(su, 10, 64); err == nil {
			u[0] = int(uid)
		} else if x, err := user.Lookup(su); err != nil {
			return u, fmt.Errorf("get user: %w", err)
		} else if uid, err := strconv.ParseInt(x.Uid, 10, 64); err != nil {
			return u, fmt.Errorf("get user: parse uid %q: %w", x.Uid, err)
		} else {
			if !hg && sg == "" && x.Gid != "" {
				if gid, err := strconv.ParseInt(x.Gid, 10, 64); err != nil {
					return u, fmt.Errorf("get user: parse gid %q: %w", x.Gid, err)
				} else {
					u[1] = int(gid)
				}
			}
			u[0] = int(uid)
		}
	}
	if sg != "" {
		if gid, err := strconv.ParseInt(sg, 10, 64); err == nil {
			u[1] = int(gid)
		} else if x, err := user.LookupGroup(sg); err != nil {
			return u, fmt.Errorf("lookup group: %w", err)
		} else if gid, err := strconv.ParseInt(x.Gid, 10, 64); err != nil {
			return u, fmt.Errorf("lookup group: parse gid %q: %w", x.Gid, err)
		} else {
			u[1] = int(gid)
		}
	}
	return u, nil
}

// sdcreds expands systemd credentials in v (prefixed by "@") according to
// tag, which consists of a mode followed by optional comma-separated flags.
//
// Mode:
//   - (none): return the original value
//   - expand: expand to the credential path
//   - load: read the credential contents
//
// Flags:
//   - trimspace (load): trim leading/trailing whitespace from the value
//   - list (expand, load): split v by "," and process each item individually
func sdcreds(v string, tag string) (string, error) {
	if tag == "" {
		return v, nil
	}

	var mode struct {
		expand bool
		load   bool
	}
	var opts struct {
		trimspace bool
		list      bool
	}

	tag, args, _ := strings.Cut(tag, ",")
	switch tag {
	case "expand":
		mode.expand = true
	case "load":
		mode.load = true
	default:
		return "", fmt.Errorf("invalid struct tag %q", tag)
	}
	for _, arg := range strings.Split(args, ",") {
		switch {
		case arg == "":
		case mode.load && arg == "trimspace":
			opts.trimspace = true
		case (mode.load || mode.expand) && arg == "list":
			opts.list = true
		default:
			return "", fmt.Errorf("invalid struct tag %q arg %q", tag, arg)
		}
	}

	var vs []string
	if opts.list {
		vs = strings.Split(v, ",")
	} else {
		vs = []string{v}
	}

	vsi := make([]int, 0, len(vs))
	for i, x := range vs {
		if len(x) != 0 && x[0] == '@' {
			vsi = append(vsi, i)
		}
	}
	if len(vsi) == 0 {
		return v, nil
	}
	if mode.expand || mode.load {
		crd := os.Getenv("CREDENTIALS_DIRECTORY")
		if crd == "" {
			return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY env var not set", v)
		}
		if !filepath.IsAbs(crd) {
			return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY=%q env var is not an absolute path", v, crd)
		}
		for _, i := range vsi {
			cred := vs[i][1:]
			if strings.Contains(cred, "/") || strings.Contains(cred, string(filepath.Separator)) {
				return "", fmt.Errorf("expand %q: invalid credential name %q", v, cred)
			}
			vs[i] = filepath.Join(crd, cred)
		}
	}
	if mode.load {
		for _, i := range vsi {
			pt := vs[i]
			buf, err := os.ReadFile(pt)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return v, fmt.Errorf("expand %q: no such credential %q", v, filepath.Base(pt))
				}
				return v, fmt.Errorf("expand %q: read credential %q: %w", v, filepath.Base(pt), err)
			}
			if opts.trimspace {
				buf = bytes.TrimSpace(buf)
			}
			vs[i] = string(buf)
		}
	}
	return strings.Join(vs, ","), nil
}
