package domain

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

var streamMediaHosts = []string{"youtube.com", "youtu.be", "m.youtube.com", "youtube-nocookie.com"}

// DetectKind picks the protocol family for a source locator.
func DetectKind(source string) Kind {
	s := strings.TrimSpace(source)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "magnet:") || strings.HasSuffix(lower, ".torrent") {
		return KindTorrent
	}
	if IsStreamMediaURL(s) {
		return KindStreamMedia
	}
	return KindDirect
}

func IsStreamMediaURL(source string) bool {
	parsed, err := url.Parse(source)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Host)
	for _, h := range streamMediaHosts {
		if strings.Contains(host, h) {
			return true
		}
	}
	return false
}

// DefaultName derives a display name when the caller did not supply one.
func DefaultName(source string, id int64) string {
	s := strings.TrimSpace(source)
	if strings.HasPrefix(strings.ToLower(s), "magnet:") {
		if name := MagnetDisplayName(s); name != "" {
			return name
		}
		if hash, err := InfoHashFromMagnet(s); err == nil && len(hash) >= 8 {
			return fmt.Sprintf("torrent_%s", hash[:8])
		}
		return fmt.Sprintf("torrent_%d", id)
	}

	if parsed, err := url.Parse(s); err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") {
		base := path.Base(parsed.Path)
		if base != "" && base != "." && base != "/" {
			if unescaped, err := url.PathUnescape(base); err == nil {
				base = unescaped
			}
			return sanitizeName(base)
		}
		return fmt.Sprintf("download_%d", id)
	}

	if base := filepath.Base(s); base != "" && base != "." && base != string(filepath.Separator) {
		return sanitizeName(base)
	}
	return fmt.Sprintf("download_%d", id)
}

// MagnetDisplayName returns the dn parameter of a magnet URI.
func MagnetDisplayName(uri string) string {
	values, err := magnetParams(uri)
	if err != nil {
		return ""
	}
	return sanitizeName(strings.TrimSpace(values.Get("dn")))
}

// InfoHashFromMagnet returns the lower-case hex info hash of a btih magnet URI.
func InfoHashFromMagnet(uri string) (string, error) {
	values, err := magnetParams(uri)
	if err != nil {
		return "", err
	}

	for _, xt := range values["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			continue
		}
		hash := strings.TrimSpace(xt[len("urn:btih:"):])
		if len(hash) == 0 {
			continue
		}
		if len(hash) == 40 {
			if _, err := hex.DecodeString(hash); err == nil {
				return strings.ToLower(hash), nil
			}
		}

		encoding := base32.StdEncoding.WithPadding(base32.NoPadding)
		decoded, err := encoding.DecodeString(strings.TrimRight(strings.ToUpper(hash), "="))
		if err != nil || len(decoded) != 20 {
			continue
		}
		return hex.EncodeToString(decoded), nil
	}

	return "", fmt.Errorf("btih magnet xt not present")
}

func magnetParams(uri string) (url.Values, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "magnet" {
		return nil, fmt.Errorf("invalid magnet URI scheme")
	}
	return url.ParseQuery(parsed.RawQuery)
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}
