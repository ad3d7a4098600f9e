package playlist

import "strings"

// SplitHeaderSuffix separates a user-supplied source URL from an extra
// HTTP-header fragment following an unescaped '|'.
func SplitHeaderSuffix(source string) (url, headerSuffix string) {
	if idx := strings.IndexByte(source, '|'); idx != -1 {
		return source[:idx], source[idx+1:]
	}
	return source, ""
}

// ResolveURL resolves target against base. If target already contains
// "://" it is treated as absolute. A target starting with '/' gets only
// the scheme and authority of base prepended. Otherwise the authority and
// base path up to the last '/' of base are prepended.
func ResolveURL(base, target string) string {
	if strings.Contains(target, "://") {
		return target
	}

	schemeIdx := -1
	for _, scheme := range [...]string{"https://", "http://"} {
		if idx := strings.Index(base, scheme); idx != -1 {
			schemeIdx = idx + len(scheme)
			break
		}
	}
	if schemeIdx == -1 {
		// No recognizable scheme in base; best effort is to return target
		// unresolved rather than fabricate an authority.
		return target
	}

	lastSlash := strings.LastIndexByte(base, '/')
	var dir string
	if lastSlash < schemeIdx {
		// Base has no path component beyond the authority.
		dir = base + "/"
	} else {
		dir = base[:lastSlash+1]
	}

	if strings.HasPrefix(target, "/") {
		// Absolute path: keep scheme+authority, drop the base path.
		authorityEnd := strings.IndexByte(base[schemeIdx:], '/')
		if authorityEnd == -1 {
			return base + target
		}
		return base[:schemeIdx+authorityEnd] + target
	}

	return dir + target
}

// AttachHeaderSuffix reattaches a preserved header suffix to a resolved
// segment URL.
func AttachHeaderSuffix(url, headerSuffix string) string {
	if headerSuffix == "" {
		return url
	}
	return url + "|" + headerSuffix
}
