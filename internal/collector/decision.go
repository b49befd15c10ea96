package collector

import (
	"path/filepath"
	"strings"
)

// Reason says why a path was or was not included.
type Reason int

const (
	// Included means the path is part of the backup.
	Included Reason = iota
	// ExcludedForced covers the target directory itself and paths that
	// cannot be backed up: unreadable, vanished or circular.
	ExcludedForced
	// ExcludedConfig covers paths excluded by the configuration: the
	// include/exclude map, a regex or the size limit.
	ExcludedConfig
)

func (r Reason) String() string {
	switch r {
	case Included:
		return "included"
	case ExcludedForced:
		return "excluded (forced)"
	case ExcludedConfig:
		return "excluded (config)"
	}
	return "unknown"
}

// Decision is the outcome of evaluating one path.
type Decision struct {
	Reason Reason
	// Detail names the rule that fired, e.g. "regex \.tmp$".
	Detail string
}

// Included reports whether the path is backed up.
func (d Decision) Included() bool { return d.Reason == Included }

var include = Decision{Reason: Included}

func forced(detail string) Decision { return Decision{Reason: ExcludedForced, Detail: detail} }
func config(detail string) Decision { return Decision{Reason: ExcludedConfig, Detail: detail} }

// nearest returns the include/exclude map entry for p or its closest
// ancestor.
func (c *Collector) nearest(p string) (string, bool, bool) {
	for cur := p; ; cur = filepath.Dir(cur) {
		if v, ok := c.opts.Paths[cur]; ok {
			return cur, v, true
		}
		if cur == "/" || cur == "." || cur == filepath.Dir(cur) {
			return "", false, false
		}
	}
}

// protected reports whether p is an explicit include or an ancestor of one.
func (c *Collector) protected(p string) bool {
	if c.opts.Paths[p] {
		return true
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for _, inc := range c.includes {
		if strings.HasPrefix(inc, prefix) {
			return true
		}
	}
	return false
}

// byConfig applies the include/exclude map and the regexes.
func (c *Collector) byConfig(p string) (Decision, bool) {
	var d Decision
	excluded := false
	if entry, v, ok := c.nearest(p); ok && !v {
		d, excluded = config("excluded path "+entry), true
	} else {
		for _, re := range c.regexes {
			if re.MatchString(p) {
				d, excluded = config("regex "+re.String()), true
				break
			}
		}
	}
	if !excluded || c.protected(p) {
		return Decision{}, false
	}
	return d, true
}

// decide evaluates p in rule order; the first rule that fires wins.
// st is the entry's own stat and target the followed stat for symlinks
// when links are followed. err is the error from obtaining them.
func (c *Collector) decide(p string, st fileStat, err error) Decision {
	if p == c.target {
		return forced("backup target")
	}
	if d, ok := c.byConfig(p); ok {
		return d
	}
	if err != nil {
		return forced("unreadable: " + err.Error())
	}
	switch {
	case st.isSocket():
		return forced("socket")
	case st.isDir():
		if _, seen := c.visited[st.key(p)]; seen {
			return forced("circular or repeated directory")
		}
		if perr := c.checkReadable(p, true); perr != nil {
			return forced("unreadable: " + perr.Error())
		}
	case st.isRegular():
		if perr := c.checkReadable(p, false); perr != nil {
			return forced("unreadable: " + perr.Error())
		}
		if c.opts.MaxSize > 0 && st.size > c.opts.MaxSize && !c.opts.Paths[p] {
			return config("larger than size limit")
		}
	}
	return include
}
