// Package buildinfo carries version details stamped in with -ldflags.
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info returns the stamped values, falling back to the module's VCS settings when the
// binary was built without ldflags.
func Info() map[string]string {
	out := map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out["goVersion"] = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out["commit"] == "" {
				out["commit"] = s.Value
			}
		case "vcs.time":
			if out["builtAt"] == "" {
				out["builtAt"] = s.Value
			}
		case "vcs.modified":
			out["dirty"] = s.Value
		}
	}
	return out
}
