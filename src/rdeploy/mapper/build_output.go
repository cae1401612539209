package mapper

import (
	"path"
	"sort"
	"strings"

	"github.com/homeauto/rdeploy/src/rdeploy/entity"
)

// _remoteMarker separates the stem from the extension of a remote-only override file,
// e.g. config.remote.js overrides config.js.
const _remoteMarker = ".remote."

// MinimalDirectories returns the smallest set of directories that, when each is created recursively,
// can host every given file path. No directory in the result is a proper prefix of another.
// Files at the module root need no directory and contribute nothing.
func MinimalDirectories(paths []string) []string {
	parents := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		dir := path.Dir(path.Clean(p))
		if dir == "." || dir == "/" {
			continue
		}
		parents[dir] = struct{}{}
	}

	result := make([]string, 0, len(parents))
	for dir := range parents {
		covered := false
		for other := range parents {
			if other != dir && strings.HasPrefix(other, dir+"/") {
				covered = true
				break
			}
		}
		if !covered {
			result = append(result, dir)
		}
	}
	sort.Strings(result)
	return result
}

// RemoteOverrideTarget reports the generic path a remote-only override file replaces.
func RemoteOverrideTarget(p string) (string, bool) {
	dir, base := path.Split(p)
	i := strings.Index(base, _remoteMarker)
	if i <= 0 {
		return "", false
	}
	return dir + base[:i] + base[i+len(_remoteMarker)-1:], true
}

// SubstituteRemoteConfig replaces every generic file that has a remote override with the override's
// content at the generic path. Override entries never appear under their own name in the result.
func SubstituteRemoteConfig(out entity.BuildOutput) entity.BuildOutput {
	overrides := make(map[string][]byte)
	var order []string
	for _, f := range out {
		if generic, ok := RemoteOverrideTarget(f.Path); ok {
			if _, seen := overrides[generic]; !seen {
				order = append(order, generic)
			}
			overrides[generic] = f.Content
		}
	}
	if len(overrides) == 0 {
		return out
	}

	used := make(map[string]bool, len(overrides))
	result := make(entity.BuildOutput, 0, len(out))
	for _, f := range out {
		if _, ok := RemoteOverrideTarget(f.Path); ok {
			continue
		}
		if content, ok := overrides[f.Path]; ok {
			result = append(result, entity.OutputFile{Path: f.Path, Content: content})
			used[f.Path] = true
			continue
		}
		result = append(result, f)
	}

	// Overrides without a generic counterpart are still delivered under the generic name.
	for _, generic := range order {
		if !used[generic] {
			result = append(result, entity.OutputFile{Path: generic, Content: overrides[generic]})
		}
	}
	return result
}

// RemoteDirectories joins module-relative directories onto the remote module root.
func RemoteDirectories(target entity.RemoteTarget, dirs []string) []string {
	remote := make([]string, 0, len(dirs))
	for _, d := range dirs {
		remote = append(remote, target.RemotePath(d))
	}
	return remote
}
