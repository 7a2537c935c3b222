// Package experiment resolves which landing-page experiment a request falls
// into and which variant the visitor should see. Everything here is a pure
// function of its inputs: no I/O, no locking, no mutation of the experiments
// it is given.
package experiment

import (
	"net/url"
	"strings"
	"time"

	"github.com/sells-group/ab-resolver/internal/model"
)

// surface is the parsed host+path pair that identifies one side of an experiment.
type surface struct {
	host string
	path string
}

func parseSurface(raw string) (surface, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return surface{}, false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return surface{}, false
	}
	return surface{host: host, path: trimSlash(u.Path)}, true
}

// trimSlash strips a single trailing slash. It is the only path normalization
// applied when matching.
func trimSlash(p string) string {
	return strings.TrimSuffix(p, "/")
}

// MatchesSurface reports whether rawURL points at the baseline or test page
// of exp. Query strings and fragments are ignored. An unparsable URL never
// matches.
func MatchesSurface(rawURL string, exp *model.Experiment) bool {
	req, ok := parseSurface(rawURL)
	if !ok {
		return false
	}
	return matches(req, exp)
}

func matches(req surface, exp *model.Experiment) bool {
	base, baseOK := parseSurface(exp.BaselineURL)
	test, testOK := parseSurface(exp.TestURL)

	hostOK := (baseOK && req.host == base.host) || (testOK && req.host == test.host)
	if !hostOK {
		return false
	}
	return (baseOK && req.path == base.path) || (testOK && req.path == test.path)
}

// FindActive returns the first experiment in iteration order that is active
// at now and whose surface contains rawURL, or nil.
//
// When several experiments match, the earliest one wins. Callers control
// the order (stores list by creation time); there is no priority field.
func FindActive(rawURL string, now time.Time, experiments []model.Experiment) *model.Experiment {
	req, ok := parseSurface(rawURL)
	if !ok {
		return nil
	}
	for i := range experiments {
		exp := &experiments[i]
		if !exp.ActiveAt(now) {
			continue
		}
		if matches(req, exp) {
			return exp
		}
	}
	return nil
}
