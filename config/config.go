// Package config implements the enumerated option table: each option
// has a name, a kind, a scope mask, and (for enums) a set of named
// choices, kept in one registry so the same option set backs
// format-time defaults, mount-time mutation, and runtime
// introspection rather than each call site declaring its own ad hoc
// struct.
package config

import (
	"fmt"
	"strconv"

	"github.com/mstenber/cowfs/ferr"
)

// Kind is the value type an Option holds.
type Kind uint8

const (
	KindBool Kind = iota
	KindUnsigned
	KindString
	KindEnum
	KindFunction
)

// Scope is a bitmask of when an option may be set.
type Scope uint8

const (
	ScopeFormat Scope = 1 << iota
	ScopeMount
	ScopeRuntime
	ScopeInode
)

func (self Scope) Has(s Scope) bool { return self&s != 0 }

// Option describes one entry of the option table.
type Option struct {
	Name    string
	Kind    Kind
	Scope   Scope
	Choices []string // only meaningful when Kind == KindEnum
	Default string
}

// registry is the static table of options the core recognizes; every
// entry is optional for a caller to set, defaults as documented here.
var registry = []Option{
	{Name: "block_size", Kind: KindUnsigned, Scope: ScopeFormat, Default: "0"}, // 0 == max of device blocksizes
	{Name: "btree_node_size", Kind: KindUnsigned, Scope: ScopeFormat, Default: "262144"},
	{Name: "metadata_replicas", Kind: KindUnsigned, Scope: ScopeFormat | ScopeMount, Default: "1"},
	{Name: "data_replicas", Kind: KindUnsigned, Scope: ScopeFormat | ScopeMount, Default: "1"},
	{Name: "metadata_checksum_type", Kind: KindEnum, Scope: ScopeFormat | ScopeMount,
		Choices: []string{"none", "crc32c", "crc64", "xxh3"}, Default: "crc32c"},
	{Name: "data_checksum_type", Kind: KindEnum, Scope: ScopeFormat | ScopeMount,
		Choices: []string{"none", "crc32c", "crc64", "xxh3"}, Default: "crc32c"},
	{Name: "compression", Kind: KindEnum, Scope: ScopeFormat | ScopeMount | ScopeInode,
		Choices: []string{"none", "lz4", "gzip", "zstd"}, Default: "none"},
	{Name: "encryption", Kind: KindEnum, Scope: ScopeFormat,
		Choices: []string{"none", "chacha20_poly1305"}, Default: "none"},
	{Name: "foreground_target", Kind: KindString, Scope: ScopeFormat | ScopeMount | ScopeInode, Default: ""},
	{Name: "background_target", Kind: KindString, Scope: ScopeFormat | ScopeMount | ScopeInode, Default: ""},
	{Name: "promote_target", Kind: KindString, Scope: ScopeFormat | ScopeMount | ScopeInode, Default: ""},
	{Name: "metadata_target", Kind: KindString, Scope: ScopeFormat | ScopeMount, Default: ""},
	{Name: "error_action", Kind: KindEnum, Scope: ScopeFormat | ScopeMount,
		Choices: []string{"continue", "remount_ro", "panic"}, Default: "remount_ro"},
	{Name: "gc_reserve_percent", Kind: KindUnsigned, Scope: ScopeFormat | ScopeMount, Default: "8"},
	{Name: "discard", Kind: KindBool, Scope: ScopeFormat | ScopeMount, Default: "false"}, // per device
	{Name: "durability", Kind: KindUnsigned, Scope: ScopeFormat | ScopeMount, Default: "1"}, // per device
	{Name: "data_allowed", Kind: KindString, Scope: ScopeFormat | ScopeMount, Default: "journal,btree,user,parity"},
}

// All returns the static option table.
func All() []Option { return registry }

// Find looks up an option by name.
func Find(name string) (Option, bool) {
	for _, o := range registry {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// Set is a resolved name->value overlay, the thing format/mount/CLI
// parsing actually produce; Validate below checks and type-checks each
// entry against the static table.
type Set map[string]string

// Validate checks every key in s against the registry. An unknown name
// surfaces as ferr.ErrUnknownRequiredFeature, matching the superblock
// reader's treatment of an unrecognized required feature bit; a scope
// the caller didn't declare (e.g. a format-only option supplied at
// mount time) or a value that does not fit the option's kind (including
// one outside an enum's Choices) returns a plain error.
func Validate(s Set, allowed Scope) error {
	for name, value := range s {
		opt, ok := Find(name)
		if !ok {
			return fmt.Errorf("%w: unknown option %q", ferr.ErrUnknownRequiredFeature, name)
		}
		if !opt.Scope.Has(allowed) {
			return fmt.Errorf("option %q not valid in this scope", name)
		}
		if err := validateValue(opt, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(opt Option, value string) error {
	switch opt.Kind {
	case KindBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("option %q: %w", opt.Name, err)
		}
	case KindUnsigned:
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("option %q: %w", opt.Name, err)
		}
	case KindEnum:
		for _, c := range opt.Choices {
			if c == value {
				return nil
			}
		}
		return fmt.Errorf("option %q: %q not one of %v", opt.Name, value, opt.Choices)
	}
	return nil
}

// Resolved merges s over the registry defaults, returning every
// option's effective value; used by FsUsage/ReadSuper-style
// introspection to report the live configuration.
func Resolved(s Set) Set {
	out := make(Set, len(registry))
	for _, o := range registry {
		out[o.Name] = o.Default
	}
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (self Set) Uint(name string, fallback uint64) uint64 {
	v, ok := self[name]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func (self Set) Bool(name string, fallback bool) bool {
	v, ok := self[name]
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (self Set) String(name, fallback string) string {
	v, ok := self[name]
	if !ok {
		return fallback
	}
	return v
}
