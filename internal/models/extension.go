package models

// ExtensionRef is a read-only snapshot of an installed extension, used for
// reporting only.
type ExtensionRef struct {
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	VersionCurrent string `json:"version_current,omitempty"`
	VersionLatest  string `json:"version_latest,omitempty"`
	IsOutdated     bool   `json:"is_outdated"`
	VersionsBehind string `json:"versions_behind,omitempty"`
	Author         string `json:"author,omitempty"`
	AuthorURI      string `json:"author_uri,omitempty"`
}
