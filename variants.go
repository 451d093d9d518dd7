package main

import (
	"fmt"
	"sort"
	"strings"
)

// Auth modes accepted by the template.
const (
	AuthNone       = "None"
	AuthIndividual = "Individual"
)

// Variant is a named template configuration selecting which lifecycle steps
// and assertions apply.
type Variant struct {
	Name            string   `mapstructure:"name" json:"name"`
	Key             string   `mapstructure:"key" json:"key"`                           // logical project key, reused across runs
	Template        string   `mapstructure:"template" json:"template,omitempty"`       // empty = dotnet.template
	TargetFramework string   `mapstructure:"framework" json:"framework,omitempty"`     // empty = dotnet.framework
	Hosted          bool     `mapstructure:"hosted" json:"hosted,omitempty"`
	PWA             bool     `mapstructure:"pwa" json:"pwa,omitempty"`
	Auth            string   `mapstructure:"auth" json:"auth,omitempty"`
	LocalDB         bool     `mapstructure:"localdb" json:"localdb,omitempty"`
	Authority       string   `mapstructure:"authority" json:"authority,omitempty"`
	ClientID        string   `mapstructure:"clientId" json:"clientId,omitempty"`
	ExtraArgs       []string `mapstructure:"args" json:"args,omitempty"`
	Notes           string   `mapstructure:"notes" json:"notes,omitempty"`
}

const commonAuthority = "https://login.microsoftonline.com/common/v2.0/.well-known/openid-configuration"

// DefaultVariants is the built-in catalog.
var DefaultVariants = []Variant{
	{Name: "standalone", Key: "blazorstandalone", TargetFramework: "netstandard2.1",
		Notes: "Client-only app. Built app is run, published output is served statically."},
	{Name: "hosted", Key: "blazorhosted", Hosted: true,
		Notes: "Client hosted by a server project. Built and published server are run."},
	{Name: "pwa", Key: "blazorpwa", PWA: true, TargetFramework: "netstandard2.1",
		Notes: "Offline-capable client. Service worker artifacts are checked and navigation is replayed without a server."},
	{Name: "hosted-individual", Key: "blazorhostedindividual", Hosted: true, Auth: AuthIndividual,
		Notes: "Hosted with local accounts on SQLite. Runs the full register, confirm, login flow."},
	{Name: "hosted-individual-localdb", Key: "blazorhostedindividualuld", Hosted: true, Auth: AuthIndividual, LocalDB: true,
		Notes: "Hosted with local accounts on LocalDB. Applies the database migration before running."},
	{Name: "standalone-individual", Key: "blazorstandaloneindividual", Auth: AuthIndividual, TargetFramework: "netstandard2.1",
		Authority: commonAuthority, ClientID: "sample-client-id",
		Notes: "Client-only app against an external identity provider. The auth flow is not driven."},
}

// UsesIndividualAuth reports whether the variant is generated with local or external accounts.
func (v Variant) UsesIndividualAuth() bool {
	return strings.EqualFold(v.Auth, AuthIndividual)
}

// ServesStatically reports whether the published output is a static site
// served by the static file server instead of a compiled server.
func (v Variant) ServesStatically() bool {
	return !v.Hosted
}

// DrivesAuthFlow reports whether the browser script performs register/confirm/login.
// Only hosted variants carry their own identity server.
func (v Variant) DrivesAuthFlow() bool {
	return v.Hosted && v.UsesIndividualAuth()
}

// NeedsMigration reports whether an EF migration must be generated and checked.
func (v Variant) NeedsMigration() bool {
	return v.Hosted && v.UsesIndividualAuth()
}

// ExpectsSQLite reports whether the server project must reference a .db file.
func (v Variant) ExpectsSQLite() bool {
	return v.NeedsMigration() && !v.LocalDB
}

// VerifiesOffline reports whether navigation is replayed with the server stopped.
func (v Variant) VerifiesOffline() bool {
	return v.PWA
}

// TemplateArgs returns the variant-specific flags for template materialization.
func (v Variant) TemplateArgs() []string {
	var args []string
	if v.Hosted {
		args = append(args, "--hosted")
	}
	if v.PWA {
		args = append(args, "--pwa")
	}
	if v.Auth != "" && !strings.EqualFold(v.Auth, AuthNone) {
		args = append(args, "-au", v.Auth)
	}
	if v.LocalDB {
		args = append(args, "-uld")
	}
	if v.Authority != "" {
		args = append(args, "--authority", v.Authority)
	}
	if v.ClientID != "" {
		args = append(args, "--client-id", v.ClientID)
	}
	return append(args, v.ExtraArgs...)
}

// Validate checks a variant definition.
func (v Variant) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("variant name is required")
	}
	if v.Key == "" {
		return fmt.Errorf("variant %q: key is required", v.Name)
	}
	if v.Auth != "" && !strings.EqualFold(v.Auth, AuthNone) && !strings.EqualFold(v.Auth, AuthIndividual) {
		return fmt.Errorf("variant %q: unknown auth mode %q (use %s or %s)", v.Name, v.Auth, AuthNone, AuthIndividual)
	}
	if v.LocalDB && !v.UsesIndividualAuth() {
		return fmt.Errorf("variant %q: localdb requires %s auth", v.Name, AuthIndividual)
	}
	return nil
}

// MergeVariants merges the built-in catalog with custom variants.
// Custom variants override defaults by name.
func MergeVariants(custom []Variant) []Variant {
	merged := make([]Variant, len(DefaultVariants))
	copy(merged, DefaultVariants)

	byName := make(map[string]int)
	for i, v := range merged {
		byName[v.Name] = i
	}

	for _, c := range custom {
		if idx, exists := byName[c.Name]; exists {
			merged[idx] = c
		} else {
			merged = append(merged, c)
			byName[c.Name] = len(merged) - 1
		}
	}

	return merged
}

// FindVariant returns the variant named name, or nil.
func FindVariant(name string, variants []Variant) *Variant {
	for i := range variants {
		if variants[i].Name == name {
			return &variants[i]
		}
	}
	return nil
}

// SelectVariants resolves names against the catalog. No names selects all.
func SelectVariants(names []string, variants []Variant) ([]Variant, error) {
	if len(names) == 0 {
		return append([]Variant(nil), variants...), nil
	}
	var selected []Variant
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		v := FindVariant(name, variants)
		if v == nil {
			return nil, fmt.Errorf("unknown variant %q (available: %s)", name, strings.Join(VariantNames(variants), ", "))
		}
		seen[name] = true
		selected = append(selected, *v)
	}
	return selected, nil
}

// VariantNames returns sorted variant names.
func VariantNames(variants []Variant) []string {
	names := make([]string, 0, len(variants))
	for _, v := range variants {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}
