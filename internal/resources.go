package internal

import "time"

// Collections in the backing document store. Event collections hold one
// immutable record per (glyph, actor) pair; the glyph document carries the
// denormalized aggregates.
const (
	colGlyphs         = "glyphs"
	colGlyphViews     = "glyphViews"
	colGlyphLikes     = "glyphLikes"
	colGlyphDownloads = "glyphDownloads"
	colUsers          = "users"
)

// Counts are the denormalized per-glyph aggregates. They are advisory
// fast-path values: the event collections are the source of truth and the
// reconciler converges the two.
type Counts struct {
	Views     int64 `json:"views"`
	Likes     int64 `json:"likes"`
	Downloads int64 `json:"downloads"`
}

// GlyphResource is a glyph document as served to clients.
type GlyphResource struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	CreatorID       string     `json:"creatorId"`
	CreatorUsername string     `json:"creatorUsername,omitempty"`
	ApkURL          string     `json:"apkUrl,omitempty"`
	GithubURL       string     `json:"githubUrl,omitempty"`
	Instructions    string     `json:"instructions,omitempty"`
	Images          []string   `json:"images,omitempty"`
	Views           int64      `json:"views"`
	Likes           int64      `json:"likes"`
	Downloads       int64      `json:"downloads"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
	SyncType        string     `json:"syncType,omitempty"`
}

func (g *GlyphResource) counts() Counts {
	return Counts{Views: g.Views, Likes: g.Likes, Downloads: g.Downloads}
}

func glyphFromDoc(d Doc) *GlyphResource {
	g := &GlyphResource{
		ID:              d.ID,
		Title:           asString(d.Data["title"]),
		Description:     asString(d.Data["description"]),
		CreatorID:       asString(d.Data["creatorId"]),
		CreatorUsername: asString(d.Data["creatorUsername"]),
		ApkURL:          asString(d.Data["apkUrl"]),
		GithubURL:       asString(d.Data["githubUrl"]),
		Instructions:    asString(d.Data["instructions"]),
		Images:          asStrings(d.Data["images"]),
		Views:           asInt64(d.Data["views"]),
		Likes:           asInt64(d.Data["likes"]),
		Downloads:       asInt64(d.Data["downloads"]),
		SyncType:        asString(d.Data["syncType"]),
	}
	if t, ok := asTime(d.Data["createdAt"]); ok {
		g.CreatedAt = t
	}
	if t, ok := asTime(d.Data["lastSyncAt"]); ok {
		g.LastSyncAt = &t
	}
	return g
}

// UserResource is a user profile document.
type UserResource struct {
	ID             string     `json:"uid"`
	Username       string     `json:"username,omitempty"`
	DisplayName    string     `json:"displayName,omitempty"`
	Email          string     `json:"email,omitempty"`
	Bio            string     `json:"bio,omitempty"`
	ProfilePicture string     `json:"profilePicture,omitempty"`
	BannerImage    string     `json:"bannerImage,omitempty"`
	Admin          bool       `json:"isAdmin,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

func userFromDoc(d Doc) *UserResource {
	u := &UserResource{
		ID:             d.ID,
		Username:       asString(d.Data["username"]),
		DisplayName:    asString(d.Data["displayName"]),
		Email:          asString(d.Data["email"]),
		Bio:            asString(d.Data["bio"]),
		ProfilePicture: asString(d.Data["profilePicture"]),
		BannerImage:    asString(d.Data["bannerImage"]),
		Admin:          asBool(d.Data["isAdmin"]),
	}
	if t, ok := asTime(d.Data["createdAt"]); ok {
		u.CreatedAt = t
	}
	if t, ok := asTime(d.Data["updatedAt"]); ok {
		u.UpdatedAt = &t
	}
	return u
}
