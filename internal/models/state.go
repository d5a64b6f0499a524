package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ServiceConfig is the nested config object inside a Service entry.
type ServiceConfig struct {
	Ports       []string          `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	Image       string            `json:"image"`
}

// Service is one running (or to-be-running) container service within
// an App. ServiceID is globally unique, drawn from the service-id
// sequence.
type Service struct {
	ServiceID   int64         `json:"serviceId"`
	ServiceName string        `json:"serviceName"`
	ImageName   string        `json:"imageName"`
	Config      ServiceConfig `json:"config"`
}

// App is one entry in a state document's apps map. AppID is globally
// unique and >= 1000, drawn from the app-id sequence.
type App struct {
	AppID    int64     `json:"appId"`
	AppName  string    `json:"appName"`
	Services []Service `json:"services"`
}

// StateDocument is the canonical shape shared by TargetState and
// CurrentState: a map of stringified app ids to App, plus a free-form
// config blob. The stringified-id convention exists only at the wire
// boundary; in-process code indexes Apps by the int64 AppID.
type StateDocument struct {
	Apps   map[string]App `json:"apps"`
	Config map[string]any `json:"config"`
}

// NewEmptyState returns a state document with no apps.
func NewEmptyState() StateDocument {
	return StateDocument{Apps: map[string]App{}, Config: map[string]any{}}
}

// Clone deep-copies a state document via JSON round-trip, which is
// adequate here since the document is itself JSON-shaped end to end.
func (s StateDocument) Clone() (StateDocument, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return StateDocument{}, err
	}
	var out StateDocument
	if err := json.Unmarshal(raw, &out); err != nil {
		return StateDocument{}, err
	}
	if out.Apps == nil {
		out.Apps = map[string]App{}
	}
	if out.Config == nil {
		out.Config = map[string]any{}
	}
	return out, nil
}

// ParseImage splits "name" or "name:tag" into (repo, tag), defaulting
// tag to "latest" when absent.
func ParseImage(image string) (repo, tag string) {
	idx := strings.LastIndex(image, ":")
	// A ":" before the last "/" is a registry port, not a tag separator.
	if idx < 0 || strings.Contains(image[idx:], "/") {
		return image, "latest"
	}
	return image[:idx], image[idx+1:]
}

// FormatImage joins a repo and tag back into "name:tag".
func FormatImage(repo, tag string) string {
	if tag == "" {
		tag = "latest"
	}
	return repo + ":" + tag
}

// TargetState is the control-plane-owned desired state of a device.
// Version is a strictly increasing integer; every mutation increments
// it. Devices treat it as read-only.
type TargetState struct {
	DeviceID  string        `json:"-" db:"device_id"`
	Doc       StateDocument `json:"-" db:"-"`
	Version   int64         `json:"version" db:"version"`
	UpdatedAt time.Time     `json:"-" db:"updated_at"`
}

// ETag renders the version as the opaque string used for conditional
// polling. It is stable and monotonic: equal versions produce equal
// ETags and nothing else does.
func (t TargetState) ETag() string {
	return strconv.FormatInt(t.Version, 10)
}

// ParseETag recovers the version encoded by ETag, or false if the
// string is not a valid ETag.
func ParseETag(etag string) (int64, bool) {
	etag = strings.Trim(etag, `"`)
	v, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// CurrentState is the device-owned reported state. There is no
// version counter from the device side; the store stamps ReportedAt.
type CurrentState struct {
	DeviceID   string        `json:"-" db:"device_id"`
	Doc        StateDocument `json:"-" db:"-"`
	ReportedAt time.Time     `json:"-" db:"reported_at"`
}

// Application is the catalog object apps are instantiated from.
// Referenced by an id drawn from the app-id sequence.
type Application struct {
	ID            int64          `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Slug          string         `json:"slug" db:"slug"`
	Description   string         `json:"description" db:"description"`
	DefaultConfig App            `json:"defaultConfig" db:"-"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
}

// RegistryKind distinguishes the two monotone id sequences.
type RegistryKind string

const (
	RegistryKindApp     RegistryKind = "app"
	RegistryKindService RegistryKind = "service"
)

// RegistryEntry is written alongside every sequence draw; uniqueness
// on (Kind, ID) is enforced by the database.
type RegistryEntry struct {
	Kind     RegistryKind   `json:"kind" db:"kind"`
	ID       int64          `json:"id" db:"id"`
	Name     string         `json:"name" db:"name"`
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// AppIDFloor and ServiceIDFloor are the starting points of the two
// sequences, per the spec's chosen convention (global_app_id_seq
// starting at 1000 with a registry table, not applications.id SERIAL).
const (
	AppIDFloor     = 1000
	ServiceIDFloor = 1
)

// AppKeyFor renders an app id as the stringified key used in
// StateDocument.Apps.
func AppKeyFor(appID int64) string {
	return strconv.FormatInt(appID, 10)
}

// FindServiceByImageRepo scans a state document's apps for the first
// service whose image parses to the given repo, returning its
// location for rewriting. ok is false if no match is found.
func FindServiceByImageRepo(doc StateDocument, repo string) (appKey string, serviceIdx int, ok bool) {
	for key, app := range doc.Apps {
		for i, svc := range app.Services {
			r, _ := ParseImage(svc.Config.Image)
			if r == repo {
				return key, i, true
			}
		}
	}
	return "", 0, false
}
