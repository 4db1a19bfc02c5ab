// Package models provides data model definitions for the SiteSync core.
package models

import (
	"strings"
	"time"
)

// LocalHandlePrefix marks an asset reference that points into local blob
// storage rather than at a durable remote locator.
const LocalHandlePrefix = "local://"

// IsLocalHandle reports whether an asset reference is a local handle.
func IsLocalHandle(ref string) bool {
	return strings.HasPrefix(ref, LocalHandlePrefix)
}

// HandleFingerprint extracts the content fingerprint from a local handle.
// Returns "" if the reference is not a local handle.
func HandleFingerprint(ref string) string {
	if !IsLocalHandle(ref) {
		return ""
	}
	return strings.TrimPrefix(ref, LocalHandlePrefix)
}

// AssetLink records that a local asset handle resolved to a durable remote
// locator. Links persist until explicitly swept so that delete/update
// operations enqueued before the upload finished still resolve correctly.
type AssetLink struct {
	Handle     string `db:"handle" json:"handle"`
	Locator    string `db:"locator" json:"locator"`
	RemotePath string `db:"remote_path" json:"remote_path"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
	Swept      bool   `db:"swept" json:"swept"`
}

// TableName returns the table name for AssetLink.
func (AssetLink) TableName() string {
	return "asset_links"
}

// CreatedTime returns CreatedAt as time.Time.
func (a *AssetLink) CreatedTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}
