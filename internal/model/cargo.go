package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// CrateMetadata is the JSON header of a publish request, as sent by Cargo.
type CrateMetadata struct {
	Name          string              `json:"name"`
	Vers          string              `json:"vers"`
	Deps          []CrateDependency   `json:"deps"`
	Features      map[string][]string `json:"features"`
	Authors       []string            `json:"authors"`
	Description   *string             `json:"description"`
	Documentation *string             `json:"documentation"`
	Homepage      *string             `json:"homepage"`
	Readme        *string             `json:"readme"`
	ReadmeFile    *string             `json:"readme_file"`
	Keywords      []string            `json:"keywords"`
	Categories    []string            `json:"categories"`
	License       *string             `json:"license"`
	LicenseFile   *string             `json:"license_file"`
	Repository    *string             `json:"repository"`
	Badges        map[string]any      `json:"badges"`
	Links         *string             `json:"links"`
	RustVersion   *string             `json:"rust_version"`
}

// CrateDependency is a dependency as declared in the publish metadata.
type CrateDependency struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry"`
	ExplicitNameInToml *string  `json:"explicit_name_in_toml"`
}

// CrateName returns the actual crate name of the dependency, accounting for
// renames.
func (d CrateDependency) CrateName() string {
	return d.Name
}

// ValidateName checks the crates.io naming rules.
func (m *CrateMetadata) ValidateName() error {
	if m.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if len(m.Name) > 64 {
		return fmt.Errorf("name must not exceed 64 characters")
	}
	for i, c := range m.Name {
		switch {
		case i == 0 && !isASCIILetter(c):
			return fmt.Errorf("name must start with an ASCII letter")
		case !isASCIILetter(c) && !isASCIIDigit(c) && c != '-' && c != '_':
			return fmt.Errorf("name must only contain alphanumeric, -, _")
		}
	}
	return nil
}

func isASCIILetter(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isASCIIDigit(c rune) bool {
	return c >= '0' && c <= '9'
}

// PublishEnvelope is the decoded body of a publish request.
type PublishEnvelope struct {
	Metadata CrateMetadata
	// ContentLength is the declared tarball length.
	ContentLength int64
	// Content streams the tarball bytes; it must be fully consumed.
	Content io.Reader
}

// maxMetadataLength bounds the metadata header of a publish request.
const maxMetadataLength = 16 << 20

// ReadPublishEnvelope decodes the Cargo publish framing:
// u32-LE metadata length, metadata JSON, u32-LE tarball length, tarball bytes.
// The tarball is not read; Content is limited to the declared length.
func ReadPublishEnvelope(r io.Reader) (*PublishEnvelope, error) {
	var metaLen uint32
	if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
		return nil, fmt.Errorf("failed to read metadata length: %w", err)
	}
	if metaLen == 0 || metaLen > maxMetadataLength {
		return nil, fmt.Errorf("invalid metadata length %d", metaLen)
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBuf); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var metadata CrateMetadata
	if err := json.Unmarshal(metaBuf, &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	var contentLen uint32
	if err := binary.Read(r, binary.LittleEndian, &contentLen); err != nil {
		return nil, fmt.Errorf("failed to read content length: %w", err)
	}
	return &PublishEnvelope{
		Metadata:      metadata,
		ContentLength: int64(contentLen),
		Content:       io.LimitReader(r, int64(contentLen)),
	}, nil
}

// IndexEntry is the per-version JSON record in the index, in the registry
// wire format.
type IndexEntry struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []IndexDependency   `json:"deps"`
	Cksum       string              `json:"cksum"`
	Features    map[string][]string `json:"features"`
	Yanked      bool                `json:"yanked"`
	Links       *string             `json:"links,omitempty"`
	V           uint32              `json:"v"`
	Features2   map[string][]string `json:"features2,omitempty"`
	RustVersion *string             `json:"rust_version,omitempty"`
}

// IndexDependency is a dependency in the index wire format.
type IndexDependency struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target,omitempty"`
	Kind            string   `json:"kind"`
	Registry        *string  `json:"registry,omitempty"`
	Package         *string  `json:"package,omitempty"`
}

// BuildIndexEntry builds the index record for freshly published metadata.
// Extended feature syntax goes to features2, so v is always 2.
func BuildIndexEntry(m *CrateMetadata, cksum string) IndexEntry {
	deps := make([]IndexDependency, 0, len(m.Deps))
	for _, d := range m.Deps {
		entry := IndexDependency{
			Name:            d.Name,
			Req:             d.VersionReq,
			Features:        d.Features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            d.Kind,
			Registry:        d.Registry,
		}
		if d.ExplicitNameInToml != nil {
			entry.Name = *d.ExplicitNameInToml
			pkg := d.Name
			entry.Package = &pkg
		}
		deps = append(deps, entry)
	}
	return IndexEntry{
		Name:        m.Name,
		Vers:        m.Vers,
		Deps:        deps,
		Cksum:       cksum,
		Features:    map[string][]string{},
		Yanked:      false,
		Links:       m.Links,
		V:           2,
		Features2:   m.Features,
		RustVersion: m.RustVersion,
	}
}

// SearchResults is the response shape of the crates search endpoint.
type SearchResults struct {
	Crates []SearchResultCrate `json:"crates"`
	Meta   SearchResultsMeta   `json:"meta"`
}

// SearchResultCrate is one crate in search results.
type SearchResultCrate struct {
	Name         string `json:"name"`
	MaxVersion   string `json:"max_version"`
	IsDeprecated bool   `json:"isDeprecated"`
	Description  string `json:"description"`
}

// SearchResultsMeta carries the total match count.
type SearchResultsMeta struct {
	Total int `json:"total"`
}

// YesNoResult is the body of yank-style responses.
type YesNoResult struct {
	OK bool `json:"ok"`
}

// YesNoMsgResult is the body of owner-change responses.
type YesNoMsgResult struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

// OwnersQueryResult lists the owners of a crate.
type OwnersQueryResult struct {
	Users []OwnerUser `json:"users"`
}

// OwnerUser is an owner as rendered in the owners endpoint.
type OwnerUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

// OwnersChangeQuery is the body of owner add/remove requests.
type OwnersChangeQuery struct {
	Users []string `json:"users"`
}

// RegistryConfig is the content of the index config.json.
type RegistryConfig struct {
	DL           string `json:"dl"`
	API          string `json:"api"`
	AuthRequired bool   `json:"auth-required"`
}
