package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalJSON marshals v to JSON with deterministic key ordering. Go's
// encoding/json already sorts map[string]T keys on marshal, so for values
// built from native Go maps/structs this is just json.Marshal; the helper
// exists as a single choke point so every caller that needs "compare by
// canonical JSON string" (spec Design Note "Diff-by-canonical-JSON") goes
// through the same function instead of ad-hoc json.Marshal calls that would
// silently break the invariant if map[int]App iteration order ever mattered
// (it doesn't for encoding/json, but int-keyed maps are marshaled as
// string keys sorted numerically as strings, not numerically — callers
// needing numeric order must sort App IDs themselves before iterating).
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ContentHash returns the SHA-256 hex digest of v's canonical JSON encoding.
func ContentHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeServiceForEquality strips runtime-observed fields (ContainerID,
// Status) so two services that differ only in those fields compare equal.
// Environment/Labels are left as they are: CanonicalJSON already encodes
// their keys in sorted order (spec invariant: runtime fields
// excluded from the app equality/diff check, but still present in the sent
// payload for dashboards).
func NormalizeServiceForEquality(s Service) Service {
	out := s
	out.ContainerID = ""
	out.Status = ""
	return out
}

// NormalizeAppsForEquality returns a copy of apps with every service's
// runtime fields stripped, for use in config-equality comparisons (Container
// Manager diff) and report diffing (Cloud Sync diff).
func NormalizeAppsForEquality(apps map[int]App) map[int]App {
	out := make(map[int]App, len(apps))
	for id, app := range apps {
		services := make([]Service, len(app.Services))
		for i, svc := range app.Services {
			services[i] = NormalizeServiceForEquality(svc)
		}
		out[id] = App{Name: app.Name, Services: services}
	}
	return out
}

// EqualApps reports whether two app trees are equal after normalizing away
// runtime fields (spec §4.8, §8.1 property 4 "diff minimality").
func EqualApps(a, b map[int]App) bool {
	na, err1 := CanonicalJSON(NormalizeAppsForEquality(a))
	nb, err2 := CanonicalJSON(NormalizeAppsForEquality(b))
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(na, nb)
}

// EqualJSON reports whether two arbitrary values are structurally equal by
// comparing their canonical JSON encodings. Used for shallow-equality checks
// on config/scalar fields (spec §4.10.3 step 10).
func EqualJSON(a, b any) bool {
	ja, err1 := CanonicalJSON(a)
	jb, err2 := CanonicalJSON(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
