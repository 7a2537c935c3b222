package experiment

import (
	"net/url"

	"github.com/sells-group/ab-resolver/internal/model"
)

// RedirectTarget returns where a visitor on requestURL should be sent. Only
// variant B visitors sitting on the baseline path are redirected, to the test
// URL; when the experiment preserves params the inbound query string and
// fragment are carried over. ok is false when no redirect applies.
func RedirectTarget(requestURL string, exp *model.Experiment, variant model.Variant) (string, bool) {
	if exp == nil || variant != model.VariantB {
		return "", false
	}
	req, err := url.Parse(requestURL)
	if err != nil {
		return "", false
	}
	base, err := url.Parse(exp.BaselineURL)
	if err != nil {
		return "", false
	}
	if trimSlash(req.Path) != trimSlash(base.Path) {
		return "", false
	}

	target, err := url.Parse(exp.TestURL)
	if err != nil {
		return "", false
	}
	if exp.PreserveParams {
		target.RawQuery = req.RawQuery
		target.Fragment = req.Fragment
		target.RawFragment = req.RawFragment
	}
	return target.String(), true
}
