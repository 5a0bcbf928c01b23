package transcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vodhost/backend/internal/models"
)

// DefaultProfilesSpec is the profile list used when none is configured.
const DefaultProfilesSpec = "1080p:1080:4000k,720p:720:2500k,480p:480:1000k"

// Profile is one target rendition: output height in pixels and video bitrate
// in ffmpeg notation (e.g. "2500k").
type Profile struct {
	Name    string
	Height  int
	Bitrate string
}

func (p Profile) String() string {
	return fmt.Sprintf("%s:%d:%s", p.Name, p.Height, p.Bitrate)
}

// DefaultProfiles returns 1080p/720p/480p.
func DefaultProfiles() []Profile {
	profiles, err := ParseProfiles(DefaultProfilesSpec)
	if err != nil {
		panic(err)
	}
	return profiles
}

// ParseProfiles parses "name:height:bitrate[,name:height:bitrate...]".
// Order is preserved; names must be unique.
func ParseProfiles(spec string) ([]Profile, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("no profiles")
	}
	var out []Profile
	seen := make(map[string]struct{})
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("profile %q: want name:height:bitrate", item)
		}
		p := Profile{Name: strings.TrimSpace(parts[0])}
		if err := validateName(p.Name); err != nil {
			return nil, fmt.Errorf("profile %q: %w", item, err)
		}
		h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || h <= 0 || h%2 != 0 {
			return nil, fmt.Errorf("profile %q: height must be a positive even integer", item)
		}
		p.Height = h
		br, err := normalizeBitrate(parts[2])
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", item, err)
		}
		p.Bitrate = br
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("no profiles")
	}
	return out, nil
}

// Names returns the profile names in order.
func Names(profiles []Profile) []string {
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	return names
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if name == models.QualityOriginal || name == models.QualityRaw {
		return fmt.Errorf("name %q is reserved", name)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return fmt.Errorf("name %q: only letters, digits, '-' and '_' allowed", name)
		}
	}
	return nil
}

func normalizeBitrate(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	num := strings.TrimRight(s, "km")
	suffix := s[len(num):]
	if len(suffix) > 1 {
		return "", fmt.Errorf("bitrate %q: bad unit", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("bitrate %q: want e.g. 2500k", s)
	}
	if suffix == "m" {
		suffix = "M"
	}
	return strconv.Itoa(n) + suffix, nil
}
